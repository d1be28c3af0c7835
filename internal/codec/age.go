package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"filippo.io/age"

	"daysync/internal/config"
	"daysync/internal/daysync"
)

// ageHeader opens every binary age file.
var ageHeader = []byte("age-encryption.org/v1\n")

// ErrLocked is returned when an encrypted value is read before Unlock.
var ErrLocked = errors.New("codec is locked")

// AgeCodec encrypts values to an X25519 recipient after passing them through
// an inner codec. The public key is stored in plaintext; the private key is
// encrypted with the user's passphrase using age's scrypt-based passphrase
// encryption, so writes work without a passphrase but reads need Unlock.
// Values stored without encryption still decode through the inner codec.
type AgeCodec struct {
	publicKeyPath  string
	privateKeyPath string
	inner          daysync.Codec

	mu        sync.Mutex
	recipient age.Recipient
	identity  age.Identity
}

var _ daysync.Codec = (*AgeCodec)(nil)

// NewAgeCodec creates an AgeCodec from configuration.
func NewAgeCodec(cfg config.CodecConfig, inner daysync.Codec) *AgeCodec {
	return &AgeCodec{
		publicKeyPath:  cfg.PublicKeyPath,
		privateKeyPath: cfg.PrivateKeyPath,
		inner:          inner,
	}
}

// Setup generates a new X25519 key pair, stores the public key in plaintext,
// and writes the private key encrypted with passphrase.
func (c *AgeCodec) Setup(passphrase string) error {
	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	for _, p := range []string{c.publicKeyPath, c.privateKeyPath} {
		if err := os.MkdirAll(filepath.Dir(p), 0700); err != nil {
			return fmt.Errorf("creating key directory: %w", err)
		}
	}

	if err := os.WriteFile(c.publicKeyPath, []byte(identity.Recipient().String()+"\n"), 0644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := io.WriteString(w, identity.String()+"\n"); err != nil {
		return fmt.Errorf("writing encrypted private key: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing encrypted private key: %w", err)
	}
	if err := os.WriteFile(c.privateKeyPath, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}

	c.mu.Lock()
	c.recipient = identity.Recipient()
	c.identity = identity
	c.mu.Unlock()
	return nil
}

// Unlock decrypts the private key with passphrase and keeps the identity
// in memory for Decode.
func (c *AgeCodec) Unlock(passphrase string) error {
	privData, err := os.ReadFile(c.privateKeyPath)
	if err != nil {
		return fmt.Errorf("reading private key file: %w", err)
	}

	scrypt, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return fmt.Errorf("creating scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(privData), scrypt)
	if err != nil {
		return fmt.Errorf("decrypting private key: %w", err)
	}
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return fmt.Errorf("parsing private key: %w", err)
	}
	if len(identities) == 0 {
		return fmt.Errorf("no identities found in private key")
	}

	c.mu.Lock()
	c.identity = identities[0]
	c.mu.Unlock()
	return nil
}

// IsConfigured returns true if both key files exist.
func (c *AgeCodec) IsConfigured() bool {
	if _, err := os.Stat(c.publicKeyPath); err != nil {
		return false
	}
	if _, err := os.Stat(c.privateKeyPath); err != nil {
		return false
	}
	return true
}

func (c *AgeCodec) Encode(raw []byte) ([]byte, error) {
	inner, err := c.inner.Encode(raw)
	if err != nil {
		return nil, err
	}
	recipient, err := c.loadRecipient()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("creating encrypted writer: %w", err)
	}
	if _, err := w.Write(inner); err != nil {
		return nil, fmt.Errorf("encrypting value: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalizing encryption: %w", err)
	}
	return buf.Bytes(), nil
}

func (c *AgeCodec) Decode(stored []byte) ([]byte, error) {
	if !bytes.HasPrefix(stored, ageHeader) {
		return c.inner.Decode(stored)
	}

	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if identity == nil {
		return nil, ErrLocked
	}

	r, err := age.Decrypt(bytes.NewReader(stored), identity)
	if err != nil {
		return nil, fmt.Errorf("creating decrypted reader: %w", err)
	}
	plain, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("decrypting value: %w", err)
	}
	return c.inner.Decode(plain)
}

// loadRecipient reads the public key from disk once and caches it.
func (c *AgeCodec) loadRecipient() (age.Recipient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.recipient != nil {
		return c.recipient, nil
	}

	pubData, err := os.ReadFile(c.publicKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading public key: %w", err)
	}
	recipients, err := age.ParseRecipients(bytes.NewReader(pubData))
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	if len(recipients) == 0 {
		return nil, fmt.Errorf("no recipients found in public key file")
	}

	c.recipient = recipients[0]
	return c.recipient, nil
}
