package broadcast

import (
	"context"
	"fmt"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// NewBroadcasterFromConfig creates a Broadcaster based on the broadcast config type.
// hub is only used for type "local". An unreachable websocket hub degrades to a
// NopBroadcaster: the session keeps working without cross-session sync.
func NewBroadcasterFromConfig(ctx context.Context, cfg config.BroadcastConfig, hub *LocalHub, logger daysync.Logger) (daysync.Broadcaster, error) {
	channel := cfg.Channel
	if channel == "" {
		channel = daysync.DefaultChannelName
	}

	switch cfg.Type {
	case "none", "":
		return daysync.NopBroadcaster{}, nil
	case "local":
		if hub == nil {
			return nil, fmt.Errorf("local broadcast requires a hub")
		}
		return hub.Open(channel), nil
	case "websocket":
		if cfg.URL == "" {
			return nil, fmt.Errorf("websocket broadcast requires url to be set")
		}
		b, err := DialWebSocket(ctx, cfg.URL, channel, logger)
		if err != nil {
			logger.Warn("broadcast hub unreachable, continuing without cross-session sync", "url", cfg.URL, "error", err)
			return daysync.NopBroadcaster{}, nil
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown broadcast type: %s", cfg.Type)
	}
}
