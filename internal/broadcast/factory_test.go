package broadcast

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

func TestNewBroadcasterFromConfig(t *testing.T) {
	hub := NewLocalHub(daysync.NewNopLogger())
	logger := daysync.NewNopLogger()

	dead := httptest.NewServer(NewHub(logger))
	deadURL := "ws" + strings.TrimPrefix(dead.URL, "http")
	dead.Close()

	tests := []struct {
		name    string
		cfg     config.BroadcastConfig
		hub     *LocalHub
		wantErr string
		check   func(t *testing.T, b daysync.Broadcaster)
	}{
		{
			name: "none",
			cfg:  config.BroadcastConfig{Type: "none"},
			check: func(t *testing.T, b daysync.Broadcaster) {
				assert.IsType(t, daysync.NopBroadcaster{}, b)
			},
		},
		{
			name: "empty type",
			cfg:  config.BroadcastConfig{},
			check: func(t *testing.T, b daysync.Broadcaster) {
				assert.IsType(t, daysync.NopBroadcaster{}, b)
			},
		},
		{
			name: "local uses default channel",
			cfg:  config.BroadcastConfig{Type: "local"},
			hub:  hub,
			check: func(t *testing.T, b daysync.Broadcaster) {
				require.IsType(t, &LocalBroadcaster{}, b)
				assert.Equal(t, 1, hub.Members(daysync.DefaultChannelName))
				b.Close()
			},
		},
		{
			name: "local named channel",
			cfg:  config.BroadcastConfig{Type: "local", Channel: "custom"},
			hub:  hub,
			check: func(t *testing.T, b daysync.Broadcaster) {
				assert.Equal(t, 1, hub.Members("custom"))
				b.Close()
			},
		},
		{
			name:    "local without hub",
			cfg:     config.BroadcastConfig{Type: "local"},
			wantErr: "requires a hub",
		},
		{
			name:    "websocket without url",
			cfg:     config.BroadcastConfig{Type: "websocket"},
			wantErr: "requires url",
		},
		{
			name: "unreachable websocket degrades",
			cfg:  config.BroadcastConfig{Type: "websocket", URL: deadURL},
			check: func(t *testing.T, b daysync.Broadcaster) {
				assert.IsType(t, daysync.NopBroadcaster{}, b)
			},
		},
		{
			name:    "unknown type",
			cfg:     config.BroadcastConfig{Type: "carrier-pigeon"},
			wantErr: "unknown broadcast type",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := NewBroadcasterFromConfig(context.Background(), tt.cfg, tt.hub, logger)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, b)
		})
	}
}

func TestNewBroadcasterFromConfig_WebSocket(t *testing.T) {
	url, _ := startHub(t)

	b, err := NewBroadcasterFromConfig(context.Background(), config.BroadcastConfig{Type: "websocket", URL: url}, nil, daysync.NewNopLogger())
	require.NoError(t, err)
	defer b.Close()
	assert.IsType(t, &WebSocketBroadcaster{}, b)
}
