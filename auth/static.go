package auth

import (
	"context"
	"crypto/subtle"
)

// StaticToken accepts exactly one shared secret.
type StaticToken struct {
	Token string
	// Subject is reported as the Principal's subject; defaults to "static".
	Subject string
}

// Verify implements Verifier.
func (s StaticToken) Verify(_ context.Context, token string) (*Principal, error) {
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return nil, ErrInvalidToken
	}
	sub := s.Subject
	if sub == "" {
		sub = "static"
	}
	return &Principal{Subject: sub}, nil
}
