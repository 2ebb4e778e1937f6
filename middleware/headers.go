// Package middleware holds endpoint processors shared by the RPC endpoint
// and the flow buses.
package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/mnehpets/flowrpc/endpoint"
)

// APIHeaders sets response headers suitable for a JSON API and handles
// CORS.
//
// Defaults from NewAPIHeaders:
//   - Strict-Transport-Security: max-age=31536000; includeSubDomains
//   - Referrer-Policy: no-referrer
//   - X-Content-Type-Options: nosniff
//   - Content-Security-Policy: default-src 'none'; frame-ancestors 'none'
//   - Cross-Origin-Resource-Policy: same-origin, or cross-origin when CORS
//     is configured
type APIHeaders struct {
	// HSTSMaxAge in seconds; 0 disables the header.
	HSTSMaxAge int
	// ReferrerPolicy, empty disables the header.
	ReferrerPolicy string
	// ContentSecurityPolicy, empty disables the header.
	ContentSecurityPolicy string
	// ResourcePolicy sets Cross-Origin-Resource-Policy, empty disables it.
	ResourcePolicy string
	// CORS, nil disables CORS handling.
	CORS *CORSConfig
}

// Option configures APIHeaders.
type Option func(*APIHeaders)

// NewAPIHeaders returns an APIHeaders processor with API defaults.
func NewAPIHeaders(opts ...Option) *APIHeaders {
	p := &APIHeaders{
		HSTSMaxAge:            31536000,
		ReferrerPolicy:        "no-referrer",
		ContentSecurityPolicy: "default-src 'none'; frame-ancestors 'none'",
		ResourcePolicy:        "same-origin",
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.CORS != nil && p.ResourcePolicy == "same-origin" {
		p.ResourcePolicy = "cross-origin"
	}
	return p
}

// WithCORS enables CORS with config.
func WithCORS(config *CORSConfig) Option {
	return func(p *APIHeaders) {
		p.CORS = config
	}
}

// WithoutHSTS disables Strict-Transport-Security, e.g. for plain HTTP
// development servers.
func WithoutHSTS() Option {
	return func(p *APIHeaders) {
		p.HSTSMaxAge = 0
	}
}

// Process implements endpoint.Processor.
func (p *APIHeaders) Process(w http.ResponseWriter, r *http.Request, next func(http.ResponseWriter, *http.Request) error) error {
	h := w.Header()
	if p.HSTSMaxAge > 0 {
		h.Set("Strict-Transport-Security", "max-age="+strconv.Itoa(p.HSTSMaxAge)+"; includeSubDomains")
	}
	if p.ReferrerPolicy != "" {
		h.Set("Referrer-Policy", p.ReferrerPolicy)
	}
	h.Set("X-Content-Type-Options", "nosniff")
	if p.ContentSecurityPolicy != "" {
		h.Set("Content-Security-Policy", p.ContentSecurityPolicy)
	}
	if p.ResourcePolicy != "" {
		h.Set("Cross-Origin-Resource-Policy", p.ResourcePolicy)
	}

	if p.CORS != nil {
		p.CORS.setHeaders(w, r)
		if r.Method == http.MethodOptions {
			// Preflight, or a bare OPTIONS request: nothing to serve.
			return endpoint.Error(http.StatusNoContent, "", nil)
		}
	}
	return next(w, r)
}

// CORSConfig configures Cross-Origin Resource Sharing headers.
type CORSConfig struct {
	// AllowedOrigins lists allowed origins; "*" allows any origin unless
	// AllowCredentials is set.
	AllowedOrigins []string
	AllowedMethods []string
	AllowedHeaders []string
	ExposedHeaders []string
	// AllowCredentials permits cookies and auth headers on cross-origin
	// requests.
	AllowCredentials bool
	// MaxAge is how long, in seconds, preflight results may be cached.
	MaxAge int
}

// RPCCORS is the CORS policy of a public JSON-RPC endpoint: any origin may
// POST with a bearer token.
func RPCCORS() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-RPC-Safe"},
		MaxAge:         3600,
	}
}

func (c *CORSConfig) setHeaders(w http.ResponseWriter, r *http.Request) {
	// CORS headers only matter for cross-origin requests, which always carry
	// an Origin header.
	origin := r.Header.Get("Origin")
	if origin == "" {
		return
	}
	h := w.Header()
	for _, allowed := range c.AllowedOrigins {
		if allowed == "*" {
			// '*' is never combined with credentials.
			if c.AllowCredentials {
				continue
			}
			h.Set("Access-Control-Allow-Origin", "*")
			break
		}
		if allowed == origin {
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			break
		}
	}
	if c.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if len(c.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(c.ExposedHeaders, ", "))
	}
	if r.Method == http.MethodOptions {
		if len(c.AllowedMethods) > 0 {
			h.Set("Access-Control-Allow-Methods", strings.Join(c.AllowedMethods, ", "))
		}
		if len(c.AllowedHeaders) > 0 {
			h.Set("Access-Control-Allow-Headers", strings.Join(c.AllowedHeaders, ", "))
		}
		if c.MaxAge > 0 {
			h.Set("Access-Control-Max-Age", strconv.Itoa(c.MaxAge))
		}
	}
}

var _ endpoint.Processor = (*APIHeaders)(nil)
