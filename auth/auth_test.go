package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/go-jose/go-jose/v4/jwt"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"

	"github.com/mnehpets/flowrpc/endpoint"
)

// oidcServer serves discovery and a JWKS for tokens signed by its key.
type oidcServer struct {
	*httptest.Server
	signer jose.Signer
}

func newOIDCServer(t *testing.T) *oidcServer {
	t.Helper()
	privKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("rsa.GenerateKey: %v", err)
	}
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: privKey},
		(&jose.SignerOptions{}).WithType("JWT").WithHeader("kid", "test-key"))
	if err != nil {
		t.Fatalf("jose.NewSigner: %v", err)
	}
	s := &oidcServer{signer: signer}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer := s.URL
		switch r.URL.Path {
		case "/.well-known/openid-configuration":
			json.NewEncoder(w).Encode(map[string]interface{}{
				"issuer":                                issuer,
				"jwks_uri":                              issuer + "/keys",
				"authorization_endpoint":                issuer + "/auth",
				"token_endpoint":                        issuer + "/token",
				"response_types_supported":              []string{"code"},
				"subject_types_supported":               []string{"public"},
				"id_token_signing_alg_values_supported": []string{"RS256"},
			})
		case "/keys":
			jwk := jose.JSONWebKey{Key: &privKey.PublicKey, Use: "sig", Algorithm: "RS256", KeyID: "test-key"}
			json.NewEncoder(w).Encode(jose.JSONWebKeySet{Keys: []jose.JSONWebKey{jwk}})
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *oidcServer) token(t *testing.T, audience string, expiry time.Time, extra map[string]interface{}) string {
	t.Helper()
	claims := jwt.Claims{
		Subject:   "user123",
		Issuer:    s.URL,
		Audience:  jwt.Audience{audience},
		Expiry:    jwt.NewNumericDate(expiry),
		IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}
	b := jwt.Signed(s.signer).Claims(claims)
	if extra != nil {
		b = b.Claims(extra)
	}
	raw, err := b.Serialize()
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}
	return raw
}

func TestOIDCVerifier(t *testing.T) {
	srv := newOIDCServer(t)
	ctx := context.Background()
	v, err := NewOIDCVerifier(ctx, srv.URL, "client-id")
	if err != nil {
		t.Fatalf("NewOIDCVerifier: %v", err)
	}

	t.Run("valid", func(t *testing.T) {
		tok := srv.token(t, "client-id", time.Now().Add(time.Hour), map[string]interface{}{
			"email": "ada@example.com", "email_verified": true,
		})
		p, err := v.Verify(ctx, tok)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if p.Subject != srv.URL+":user123" {
			t.Errorf("subject: got %q", p.Subject)
		}
		if p.Email != "ada@example.com" {
			t.Errorf("email: got %q", p.Email)
		}
	})

	t.Run("unverified email dropped", func(t *testing.T) {
		tok := srv.token(t, "client-id", time.Now().Add(time.Hour), map[string]interface{}{
			"email": "ada@example.com", "email_verified": false,
		})
		p, err := v.Verify(ctx, tok)
		if err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if p.Email != "" {
			t.Errorf("expected no email, got %q", p.Email)
		}
	})

	t.Run("wrong audience", func(t *testing.T) {
		tok := srv.token(t, "someone-else", time.Now().Add(time.Hour), nil)
		if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("expired", func(t *testing.T) {
		tok := srv.token(t, "client-id", time.Now().Add(-time.Second), nil)
		if _, err := v.Verify(ctx, tok); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("got %v, want ErrInvalidToken", err)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		if _, err := v.Verify(ctx, "not-a-jwt"); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("got %v, want ErrInvalidToken", err)
		}
	})
}

func TestOIDCVerifier_SkipClientIDCheck(t *testing.T) {
	srv := newOIDCServer(t)
	v, err := NewOIDCVerifier(context.Background(), srv.URL, "", WithSkipClientIDCheck())
	if err != nil {
		t.Fatalf("NewOIDCVerifier: %v", err)
	}
	tok := srv.token(t, "anyone", time.Now().Add(time.Hour), nil)
	if _, err := v.Verify(context.Background(), tok); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestNewOIDCVerifier_DiscoveryFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()
	if _, err := NewOIDCVerifier(context.Background(), srv.URL, "client-id"); err == nil {
		t.Fatalf("expected discovery error")
	}
}

func TestStaticToken(t *testing.T) {
	tests := []struct {
		name    string
		st      StaticToken
		token   string
		wantErr bool
		wantSub string
	}{
		{"match", StaticToken{Token: "s3cret"}, "s3cret", false, "static"},
		{"custom subject", StaticToken{Token: "s3cret", Subject: "engine"}, "s3cret", false, "engine"},
		{"mismatch", StaticToken{Token: "s3cret"}, "guess", true, ""},
		{"prefix", StaticToken{Token: "s3cret"}, "s3c", true, ""},
		{"empty secret never matches", StaticToken{}, "", true, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.st.Verify(context.Background(), tt.token)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && p.Subject != tt.wantSub {
				t.Fatalf("subject: got %q, want %q", p.Subject, tt.wantSub)
			}
		})
	}
}

func TestAny(t *testing.T) {
	v := Any(nil, StaticToken{Token: "a", Subject: "first"}, StaticToken{Token: "b", Subject: "second"})
	p, err := v.Verify(context.Background(), "b")
	if err != nil || p.Subject != "second" {
		t.Fatalf("got %+v, %v", p, err)
	}
	if _, err := v.Verify(context.Background(), "c"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("got %v, want ErrInvalidToken", err)
	}
	if _, err := Any().Verify(context.Background(), "a"); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("empty Any: got %v", err)
	}
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer abc", "abc", true},
		{"Bearer   abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"Bearer ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodPost, "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, ok := BearerToken(r)
		if got != tt.want || ok != tt.ok {
			t.Errorf("%q: got (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestBearer_Process(t *testing.T) {
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.InfoLevel)

	var seen *Principal
	h := endpoint.Handler(func(_ http.ResponseWriter, r *http.Request, _ struct{}) (endpoint.Renderer, error) {
		seen, _ = PrincipalFromContext(r.Context())
		return &endpoint.StringRenderer{Body: "ok"}, nil
	}, &Bearer{Verifier: StaticToken{Token: "s3cret"}, Logger: logger, AllowOptions: true})

	t.Run("authorized", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		r.Header.Set("Authorization", "Bearer s3cret")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusOK {
			t.Fatalf("status: got %d", w.Code)
		}
		if seen == nil || seen.Subject != "static" {
			t.Fatalf("principal not propagated: %+v", seen)
		}
	})

	t.Run("missing token", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc", nil))
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d", w.Code)
		}
		if got := w.Header().Get("WWW-Authenticate"); got != `Bearer realm="flowrpc"` {
			t.Fatalf("WWW-Authenticate: got %q", got)
		}
	})

	t.Run("bad token", func(t *testing.T) {
		hook.Reset()
		r := httptest.NewRequest(http.MethodPost, "/rpc", nil)
		r.Header.Set("Authorization", "Bearer nope")
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("status: got %d", w.Code)
		}
		if entry := hook.LastEntry(); entry == nil || entry.Message != "auth: token rejected" {
			t.Fatalf("expected rejection log, got %+v", entry)
		}
	})

	t.Run("options passes through", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodOptions, "/rpc", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status: got %d", w.Code)
		}
	})
}

func TestPrincipalFromContext_Empty(t *testing.T) {
	if _, ok := PrincipalFromContext(context.Background()); ok {
		t.Fatalf("expected no principal")
	}
	if _, ok := PrincipalFromContext(WithPrincipal(context.Background(), nil)); ok {
		t.Fatalf("nil principal must not be reported")
	}
}
