package daysync

// Backend is the durable layer beneath the Store. Values are opaque encoded
// bytes; keys are already tenant-scoped. A Backend may be shared by several
// processes at once, so implementations must tolerate concurrent writers
// without any locking contract beyond single-key atomicity.
type Backend interface {
	// Get returns the stored bytes for key, or an error wrapping ErrNotFound.
	Get(key string) ([]byte, error)

	// Put stores value under key, replacing any previous value.
	// A backend that is out of space returns an error wrapping ErrQuotaExceeded.
	Put(key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(key string) error

	// Keys lists every stored key in lexical order.
	Keys() ([]string, error)

	// ValidateSetup verifies that the backend is accessible and properly configured.
	ValidateSetup() error

	// Close releases any resources held by the backend.
	Close() error
}

// Codec converts canonical JSON into its stored form and back.
// Decode must accept plain JSON written without the codec so that an
// encoding can be changed or disabled without migrating stored data.
type Codec interface {
	Encode(raw []byte) ([]byte, error)
	Decode(stored []byte) ([]byte, error)
}
