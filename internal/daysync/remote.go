package daysync

import (
	"context"
	"encoding/json"
)

// RemoteReader fetches the remote copy of a day. Implementations must be
// idempotent and safe to retry. A missing copy is reported as ErrRemoteNotFound.
type RemoteReader interface {
	FetchDay(ctx context.Context, tenant, date string) (DayRecord, error)
}

// KeyForwarder receives every local write so the remote layer can learn of it.
// key is the logical key without the tenant segment.
type KeyForwarder interface {
	ForwardKey(ctx context.Context, tenant, key string, value json.RawMessage) error
}

// Remote is a remote service that supports both reads and write-forwarding.
type Remote interface {
	RemoteReader
	KeyForwarder
}

// NopRemote stands in when no remote is configured: nothing is ever found
// and forwarded writes are discarded.
type NopRemote struct{}

func (NopRemote) FetchDay(context.Context, string, string) (DayRecord, error) {
	return DayRecord{}, ErrRemoteNotFound
}

func (NopRemote) ForwardKey(context.Context, string, string, json.RawMessage) error { return nil }

var _ Remote = NopRemote{}
