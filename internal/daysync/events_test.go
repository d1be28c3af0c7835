package daysync_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daysync/internal/daysync"
	"daysync/internal/testutil"
)

func TestEvents_PublishInSubscriptionOrder(t *testing.T) {
	events := daysync.NewEvents()
	var order []string
	events.Subscribe(func(daysync.UpdateEvent) { order = append(order, "first") })
	unsub := events.Subscribe(func(daysync.UpdateEvent) { order = append(order, "second") })
	events.Subscribe(func(daysync.UpdateEvent) { order = append(order, "third") })

	events.Publish(daysync.UpdateEvent{Date: "2024-03-01"})
	unsub()
	events.Publish(daysync.UpdateEvent{Date: "2024-03-01"})

	assert.Equal(t, []string{"first", "second", "third", "first", "third"}, order)
}

func TestBridgeBroadcast(t *testing.T) {
	rec := record("2024-03-01", 42, "tab-2", daysync.Payload{"mood": 3})
	msg, err := daysync.NewRecordMessage(rec)
	require.NoError(t, err)

	noDate := msg
	noDate.Date = ""

	tests := []struct {
		name     string
		msg      daysync.Message
		wantDate string
	}{
		{name: "record update", msg: msg, wantDate: "2024-03-01"},
		{name: "date taken from record", msg: noDate, wantDate: "2024-03-01"},
		{name: "other type", msg: daysync.Message{Type: "presence", Date: "2024-03-01"}},
		{name: "malformed payload", msg: daysync.Message{Type: daysync.MessageTypeRecordUpdate, Date: "2024-03-01", Payload: json.RawMessage(`[1,2]`)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bc := testutil.NewRecordingBroadcaster()
			events := daysync.NewEvents()
			var got []daysync.UpdateEvent
			events.Subscribe(func(ev daysync.UpdateEvent) { got = append(got, ev) })
			unbridge := daysync.BridgeBroadcast(bc, events, daysync.NewNopLogger())
			defer unbridge()

			bc.Deliver(tt.msg)

			if tt.wantDate == "" {
				assert.Empty(t, got)
				return
			}
			require.Len(t, got, 1)
			assert.Equal(t, tt.wantDate, got[0].Date)
			assert.Equal(t, daysync.SourceBroadcast, got[0].Source)
			require.NotNil(t, got[0].Record)
			assert.Equal(t, int64(42), got[0].Record.UpdatedAt)
			assert.Equal(t, "tab-2", got[0].Record.SourceID)
		})
	}
}

func TestBridgeBroadcast_Unsubscribe(t *testing.T) {
	bc := testutil.NewRecordingBroadcaster()
	events := daysync.NewEvents()
	calls := 0
	events.Subscribe(func(daysync.UpdateEvent) { calls++ })

	unbridge := daysync.BridgeBroadcast(bc, events, daysync.NewNopLogger())
	unbridge()

	msg, err := daysync.NewRecordMessage(record("2024-03-01", 1, "x", daysync.Payload{"a": 1}))
	require.NoError(t, err)
	bc.Deliver(msg)
	assert.Zero(t, calls)
}
