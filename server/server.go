// Package server assembles a JSON-RPC endpoint whose methods are answered by
// flows.
//
// A Server owns a jsonrpc.JSONRPCEndpoint and the broker.Broker correlating
// its calls with flow completions, and serves the endpoint behind the API
// header, CORS and logging processors plus any the caller adds (typically
// auth.Bearer).
package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/endpoint"
	"github.com/mnehpets/flowrpc/journal"
	"github.com/mnehpets/flowrpc/jsonrpc"
	"github.com/mnehpets/flowrpc/middleware"
)

// DefaultPath is where Mount serves the endpoint.
const DefaultPath = "/rpc"

// Config configures a Server. The zero value serves /rpc with the bound
// topology and no CORS.
type Config struct {
	Path string
	// CORS enables cross-origin requests; middleware.RPCCORS() is the usual
	// policy.
	CORS *middleware.CORSConfig
	// DisableHSTS drops Strict-Transport-Security, for plain HTTP.
	DisableHSTS bool
	Topology    broker.Topology
	// Timeout is the default call timeout; 0 means broker.DefaultTimeout.
	Timeout time.Duration
	// Introspection, if set, names a method listing the served methods,
	// e.g. "rpc.methods".
	Introspection string
	// MaxBodyBytes caps request bodies; 0 keeps the endpoint default.
	MaxBodyBytes int
	// Processors run after the built-in ones and before the endpoint.
	Processors []endpoint.Processor
	Logger     logrus.FieldLogger
	Observer   broker.Observer
	// Journal, when set, records settlements and explains late completions.
	Journal *journal.Journal
}

// Server is a flow-backed JSON-RPC server.
type Server struct {
	path    string
	rpc     *jsonrpc.JSONRPCEndpoint
	broker  *broker.Broker
	handler http.Handler
	logger  logrus.FieldLogger
}

// New builds a Server from cfg.
func New(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	path := cfg.Path
	if path == "" {
		path = DefaultPath
	}

	opts := []jsonrpc.EndpointOption{jsonrpc.WithLogger(logger)}
	if cfg.MaxBodyBytes > 0 {
		opts = append(opts, jsonrpc.WithMaxBodyBytes(cfg.MaxBodyBytes))
	}
	rpc := jsonrpc.NewEndpoint(opts...)
	if cfg.Introspection != "" {
		if err := rpc.EnableIntrospection(cfg.Introspection); err != nil {
			return nil, fmt.Errorf("server: introspection: %w", err)
		}
	}

	bcfg := broker.Config{
		Topology: cfg.Topology,
		Timeout:  cfg.Timeout,
		Logger:   logger,
		Observer: cfg.Observer,
	}
	if cfg.Journal != nil {
		bcfg.Observer = broker.Observers(cfg.Observer, cfg.Journal)
		bcfg.Recall = cfg.Journal
	}

	var hopts []middleware.Option
	if cfg.CORS != nil {
		hopts = append(hopts, middleware.WithCORS(cfg.CORS))
	}
	if cfg.DisableHSTS {
		hopts = append(hopts, middleware.WithoutHSTS())
	}
	processors := append([]endpoint.Processor{
		middleware.RequestLogger{Logger: logger},
		middleware.NewAPIHeaders(hopts...),
	}, cfg.Processors...)

	h := endpoint.Handler(rpc.Endpoint, processors...)
	h.Logger = logger

	return &Server{
		path:    path,
		rpc:     rpc,
		broker:  broker.New(rpc, bcfg),
		handler: h,
		logger:  logger,
	}, nil
}

// Method serves name by emitting each call into a flow through emit.
func (s *Server) Method(name string, emit broker.Emitter, opts ...broker.RegisterOption) (*broker.Registration, error) {
	return s.broker.Register(name, emit, opts...)
}

// Unregister stops serving name; its pending calls are rejected.
func (s *Server) Unregister(name string) error {
	return s.broker.Unregister(name)
}

// Complete hands a flow's completion to the broker.
func (s *Server) Complete(c broker.Completion) broker.DispatchResult {
	return s.broker.Complete(c)
}

// Registry lists the flow-backed methods currently served.
func (s *Server) Registry() *broker.Registry {
	return s.broker.Registry()
}

// Broker returns the underlying broker.
func (s *Server) Broker() *broker.Broker { return s.broker }

// Endpoint returns the JSON-RPC endpoint, e.g. to add methods answered
// in-process.
func (s *Server) Endpoint() *jsonrpc.JSONRPCEndpoint { return s.rpc }

// Path returns the path Mount serves the endpoint at.
func (s *Server) Path() string { return s.path }

// Handler returns the endpoint handler, without routing.
func (s *Server) Handler() http.Handler { return s.handler }

// Mount serves the endpoint on mux at the configured path. OPTIONS is routed
// too so CORS preflights reach the header processor.
func (s *Server) Mount(mux *http.ServeMux) {
	mux.Handle("POST "+s.path, s.handler)
	mux.Handle("OPTIONS "+s.path, s.handler)
}

// Close rejects every pending call with broker.ErrServerClosed and stops
// serving the flow-backed methods.
func (s *Server) Close() error {
	s.logger.WithField("path", s.path).Info("server: closing")
	return s.broker.Close()
}
