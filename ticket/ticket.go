// Package ticket seals method references handed to untrusted workers.
//
// A ticket binds a registration reference to one correlation id and its
// deadline. Workers echo the ticket back with their completion; the bus
// opens it to recover the reference, so a worker can only ever settle the
// call it was given.
//
// Format: [keyID] "." base64url(nonce || AEAD.Seal(cbor(Claims), aad))
//
// Key rotation: keys holds every accepted key, keyID selects the key used for
// sealing.
package ticket

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/chacha20poly1305"
)

var (
	ErrFormat  = errors.New("ticket: invalid format")
	ErrInvalid = errors.New("ticket: invalid ticket")
	ErrExpired = errors.New("ticket: expired")
	ErrConfig  = errors.New("ticket: invalid configuration")
)

// KeySize is the key length of the default AEAD.
const KeySize = chacha20poly1305.KeySize

const maxTicketLen = 4096

var aad = []byte("flowrpc-ticket:v1")

// Claims are the sealed contents of a ticket.
type Claims struct {
	Ref     string    `cbor:"1,keyasint"`
	ID      string    `cbor:"2,keyasint"`
	Expires time.Time `cbor:"3,keyasint"`
}

// Sealer seals and opens tickets.
type Sealer struct {
	keyID   string
	keys    map[string][]byte
	newAEAD func([]byte) (cipher.AEAD, error)
	now     func() time.Time
}

// Option configures a Sealer.
type Option func(*Sealer)

// WithAEAD replaces the XChaCha20-Poly1305 default, e.g. with AES-GCM.
func WithAEAD(f func([]byte) (cipher.AEAD, error)) Option {
	return func(s *Sealer) {
		s.newAEAD = f
	}
}

// WithClock sets the time source used to check expiry.
func WithClock(now func() time.Time) Option {
	return func(s *Sealer) {
		s.now = now
	}
}

// New returns a Sealer sealing with keys[keyID].
func New(keyID string, keys map[string][]byte, opts ...Option) (*Sealer, error) {
	s := &Sealer{
		keyID:   keyID,
		keys:    keys,
		newAEAD: chacha20poly1305.NewX,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if keys == nil {
		return nil, fmt.Errorf("%w: keys must not be nil", ErrConfig)
	}
	if _, ok := keys[keyID]; !ok {
		return nil, fmt.Errorf("%w: key %q not found", ErrConfig, keyID)
	}
	if s.newAEAD == nil {
		return nil, fmt.Errorf("%w: nil AEAD constructor", ErrConfig)
	}
	for id, k := range keys {
		if strings.Contains(id, ".") {
			return nil, fmt.Errorf("%w: key id %q contains '.'", ErrConfig, id)
		}
		if _, err := s.newAEAD(k); err != nil {
			return nil, fmt.Errorf("%w: key %s: %v", ErrConfig, id, err)
		}
	}
	return s, nil
}

// Seal encodes and encrypts c.
func (s *Sealer) Seal(c Claims) (string, error) {
	if s == nil || s.newAEAD == nil {
		return "", ErrConfig
	}
	plain, err := cbor.Marshal(c)
	if err != nil {
		return "", err
	}
	aead, err := s.newAEAD(s.keys[s.keyID])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plain)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plain, aad)
	return s.keyID + "." + base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a ticket and checks its expiry. A zero Expires never expires.
func (s *Sealer) Open(ticket string) (Claims, error) {
	if s == nil || s.newAEAD == nil {
		return Claims{}, ErrConfig
	}
	if len(ticket) == 0 || len(ticket) > maxTicketLen {
		return Claims{}, ErrFormat
	}
	keyID, enc, ok := strings.Cut(ticket, ".")
	if !ok || keyID == "" || enc == "" {
		return Claims{}, ErrFormat
	}
	key, ok := s.keys[keyID]
	if !ok {
		return Claims{}, ErrInvalid
	}
	sealed, err := base64.RawURLEncoding.DecodeString(enc)
	if err != nil {
		return Claims{}, ErrFormat
	}
	aead, err := s.newAEAD(key)
	if err != nil {
		return Claims{}, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return Claims{}, ErrFormat
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return Claims{}, ErrInvalid
	}

	var c Claims
	if err := cbor.Unmarshal(plain, &c); err != nil {
		return Claims{}, ErrInvalid
	}
	if !c.Expires.IsZero() && !s.now().Before(c.Expires) {
		return c, ErrExpired
	}
	return c, nil
}
