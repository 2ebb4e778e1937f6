// Package auth authenticates callers of the RPC endpoint and the flow bus
// with bearer tokens.
//
// A Verifier turns a token into a Principal. StaticToken compares against a
// shared secret; OIDCVerifier validates ID tokens issued by an OpenID
// Connect provider. Bearer wires a Verifier into an endpoint processor
// chain.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/endpoint"
)

var (
	// ErrNoToken is returned when the request carries no bearer token.
	ErrNoToken = errors.New("auth: missing bearer token")
	// ErrInvalidToken is returned by verifiers that reject a token.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is an authenticated caller.
type Principal struct {
	// Subject is a stable identifier, "issuer:subject" for OIDC tokens.
	Subject string
	// Email is set only when the provider reports it verified.
	Email string
}

// Verifier validates a bearer token.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Principal, error)
}

// VerifierFunc adapts a function to a Verifier.
type VerifierFunc func(ctx context.Context, token string) (*Principal, error)

func (f VerifierFunc) Verify(ctx context.Context, token string) (*Principal, error) {
	return f(ctx, token)
}

// Any accepts a token if one of verifiers accepts it, trying them in order.
func Any(verifiers ...Verifier) Verifier {
	return VerifierFunc(func(ctx context.Context, token string) (*Principal, error) {
		err := ErrInvalidToken
		for _, v := range verifiers {
			if v == nil {
				continue
			}
			p, verr := v.Verify(ctx, token)
			if verr == nil {
				return p, nil
			}
			err = verr
		}
		return nil, err
	})
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFromContext returns the principal stored by Bearer.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(*Principal)
	return p, ok && p != nil
}

// BearerToken extracts the token of an "Authorization: Bearer" header.
func BearerToken(r *http.Request) (string, bool) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Bearer is an endpoint.Processor requiring a valid bearer token. The
// verified Principal is available to handlers via PrincipalFromContext.
type Bearer struct {
	Verifier Verifier
	// Realm is advertised in the WWW-Authenticate challenge.
	Realm  string
	Logger logrus.FieldLogger
	// AllowOptions lets OPTIONS requests through unauthenticated, so CORS
	// preflights placed after Bearer still succeed.
	AllowOptions bool
}

// Process implements endpoint.Processor.
func (b *Bearer) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	if b.AllowOptions && r.Method == http.MethodOptions {
		return next(w, r)
	}
	token, ok := BearerToken(r)
	if !ok {
		return b.challenge(w, ErrNoToken)
	}
	p, err := b.Verifier.Verify(r.Context(), token)
	if err != nil {
		logger := b.Logger
		if logger == nil {
			logger = logrus.StandardLogger()
		}
		logger.WithError(err).WithField("path", r.URL.Path).Info("auth: token rejected")
		return b.challenge(w, err)
	}
	return next(w, r.WithContext(WithPrincipal(r.Context(), p)))
}

func (b *Bearer) challenge(w http.ResponseWriter, err error) error {
	realm := b.Realm
	if realm == "" {
		realm = "flowrpc"
	}
	w.Header().Set("WWW-Authenticate", `Bearer realm="`+realm+`"`)
	return endpoint.Error(http.StatusUnauthorized, "unauthorized", err)
}

var _ endpoint.Processor = (*Bearer)(nil)
