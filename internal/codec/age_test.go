package codec

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"daysync/internal/config"
)

func newTestAgeCodec(t *testing.T, dir string) *AgeCodec {
	t.Helper()
	cfg := config.CodecConfig{
		Type:           "age",
		PublicKeyPath:  filepath.Join(dir, "keys", "daysync.pub"),
		PrivateKeyPath: filepath.Join(dir, "keys", "daysync.key"),
	}
	return NewAgeCodec(cfg, CompactCodec{})
}

func TestAgeCodec_IsConfigured(t *testing.T) {
	t.Parallel()
	c := newTestAgeCodec(t, t.TempDir())

	if c.IsConfigured() {
		t.Error("IsConfigured() = true before Setup, want false")
	}
	if err := c.Setup("test-passphrase"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !c.IsConfigured() {
		t.Error("IsConfigured() = false after Setup, want true")
	}
}

func TestAgeCodec_RoundTripAcrossInstances(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	passphrase := "test-passphrase"

	writer := newTestAgeCodec(t, dir)
	if err := writer.Setup(passphrase); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	input := []byte(`{"date":"2024-03-01","meals":[],"items":[],"mood":3,"steps":1}`)
	encrypted, err := writer.Encode(input)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if !bytes.HasPrefix(encrypted, ageHeader) {
		t.Errorf("Encode() output lacks age header")
	}
	if bytes.Contains(encrypted, []byte("2024-03-01")) {
		t.Error("encrypted output contains plaintext")
	}

	// A fresh instance can encrypt with the public key alone but needs the
	// passphrase to read.
	reader := newTestAgeCodec(t, dir)
	if _, err := reader.Encode(input); err != nil {
		t.Errorf("Encode() with public key only error = %v", err)
	}
	if _, err := reader.Decode(encrypted); !errors.Is(err, ErrLocked) {
		t.Errorf("Decode() before Unlock error = %v, want ErrLocked", err)
	}

	if err := reader.Unlock(passphrase); err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	decoded, err := reader.Decode(encrypted)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(decoded, input) {
		t.Errorf("Decode() = %q, want %q", decoded, input)
	}
}

func TestAgeCodec_WrongPassphrase(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()

	c := newTestAgeCodec(t, dir)
	if err := c.Setup("correct"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}

	other := newTestAgeCodec(t, dir)
	if err := other.Unlock("wrong"); err == nil {
		t.Error("Unlock() with wrong passphrase succeeded")
	}
}

func TestAgeCodec_DecodesUnencryptedValues(t *testing.T) {
	t.Parallel()
	c := newTestAgeCodec(t, t.TempDir())

	// No keys exist and none are needed for values written before encryption.
	plain := []byte(`{"mood":3}`)
	got, err := c.Decode(plain)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if !bytes.Equal(got, plain) {
		t.Errorf("Decode() = %q, want %q", got, plain)
	}

	compacted, _ := CompactCodec{}.Encode([]byte(`{"date":"2024-03-01","meals":[],"items":[],"mood":3,"steps":1}`))
	got, err = c.Decode(compacted)
	if err != nil {
		t.Fatalf("Decode() of compact value error = %v", err)
	}
	if string(got) != `{"date":"2024-03-01","meals":[],"items":[],"mood":3,"steps":1}` {
		t.Errorf("Decode() = %q", got)
	}
}

func TestAgeCodec_EncodeWithoutKeys(t *testing.T) {
	t.Parallel()
	c := newTestAgeCodec(t, t.TempDir())

	if _, err := c.Encode([]byte(`{}`)); err == nil {
		t.Error("Encode() without public key succeeded")
	}
}
