package backend

import (
	"errors"
	"testing"

	"daysync/internal/daysync"
)

func TestMemoryBackend_Quota(t *testing.T) {
	b := NewMemoryBackend("test", 20)

	// "a" + 9 bytes = 10
	if err := b.Put("a", []byte("123456789")); err != nil {
		t.Fatalf("Put() within quota error: %v", err)
	}

	err := b.Put("b", []byte("1234567890123"))
	if !errors.Is(err, daysync.ErrQuotaExceeded) {
		t.Fatalf("Put() over quota error = %v, want ErrQuotaExceeded", err)
	}
	if _, err := b.Get("b"); !errors.Is(err, daysync.ErrNotFound) {
		t.Errorf("rejected write was stored")
	}

	// Replacing a value only counts the difference.
	if err := b.Put("a", []byte("1234567890123456789")); err != nil {
		t.Errorf("Put() replacing within quota error: %v", err)
	}
	if got := b.Used(); got != 20 {
		t.Errorf("Used() = %d, want 20", got)
	}

	if err := b.Delete("a"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if got := b.Used(); got != 0 {
		t.Errorf("Used() after delete = %d, want 0", got)
	}
	if err := b.Put("b", []byte("1234567890123")); err != nil {
		t.Errorf("Put() after freeing space error: %v", err)
	}
}

func TestMemoryBackend_Unlimited(t *testing.T) {
	b := NewMemoryBackend("test", 0)

	big := make([]byte, 1<<20)
	if err := b.Put("big", big); err != nil {
		t.Errorf("Put() without quota error: %v", err)
	}
}
