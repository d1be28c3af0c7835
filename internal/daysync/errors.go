package daysync

import "errors"

var (
	// ErrNotFound is returned by a Backend when a key holds no value.
	ErrNotFound = errors.New("key not found")

	// ErrQuotaExceeded is returned by a Backend that refuses a write for lack of space.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrDurability marks a write that reached the cache but not the backend.
	// The cached value stays authoritative for the rest of the session.
	ErrDurability = errors.New("durable write failed")

	// ErrDecode marks a stored value that could not be decoded; reads treat it as absent.
	ErrDecode = errors.New("stored value could not be decoded")

	// ErrRemoteNotFound is returned by a RemoteReader that has no copy of a day.
	ErrRemoteNotFound = errors.New("remote record not found")

	// ErrRemoteUnavailable wraps network, timeout and malformed-response failures.
	ErrRemoteUnavailable = errors.New("remote unavailable")

	// ErrChannelClosed is returned by a Broadcaster after Close.
	ErrChannelClosed = errors.New("broadcast channel closed")
)
