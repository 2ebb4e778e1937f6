// Command flow-server serves a JSON-RPC endpoint whose methods are answered
// by flows reached over an HTTP, redis or kafka bus. It is mostly useful as a
// testing and debugging tool; applications typically embed the server
// package in their own main command.
package main

import (
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mnehpets/flowrpc/auth"
	"github.com/mnehpets/flowrpc/broker"
	"github.com/mnehpets/flowrpc/endpoint"
	"github.com/mnehpets/flowrpc/flowbus/httpbus"
	"github.com/mnehpets/flowrpc/flowbus/kafkabus"
	"github.com/mnehpets/flowrpc/flowbus/redisbus"
	"github.com/mnehpets/flowrpc/journal"
	"github.com/mnehpets/flowrpc/middleware"
	"github.com/mnehpets/flowrpc/server"
	"github.com/mnehpets/flowrpc/ticket"
)

var (
	addrFlag      = flag.String("addr", ":8080", "Listen `address`.")
	busFlag       = flag.String("bus", "http", "Flow bus: http, redis or kafka.")
	configFlag    = flag.String("config", "", "Path of the configuration `file`.")
	helpFlag      = flag.Bool("help", false, "Show help.")
	redisAddrFlag = flag.String("redis", ":6379", "Redis `address`.")
	verboseFlag   = flag.Bool("v", false, "Log at debug level.")
)

func main() {
	flag.Parse()
	if *helpFlag {
		flag.Usage()
		return
	}

	logger := logrus.New()
	if *verboseFlag {
		logger.SetLevel(logrus.DebugLevel)
	}
	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file found, using environment variables")
	}

	conf, err := getConfigFromFile(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		flag.Usage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, logger); err != nil {
		logger.WithError(err).Fatal("flow-server failed")
	}
}

func run(ctx context.Context, conf *Config, logger *logrus.Logger) error {
	topology, err := broker.ParseTopology(conf.Server.Topology)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	metrics := broker.NewMetrics(reg)

	var j *journal.Journal
	if conf.Server.Journal != "" {
		j, err = journal.Open(conf.Server.Journal, journal.WithLogger(logger))
		if err != nil {
			return err
		}
		defer j.Close()
	}

	bearer, err := newBearer(ctx, logger)
	if err != nil {
		return err
	}
	var processors []endpoint.Processor
	if bearer != nil {
		processors = append(processors, bearer)
	}

	cfg := server.Config{
		Path:          conf.Server.Path,
		DisableHSTS:   !conf.Server.HSTS,
		Topology:      topology,
		Timeout:       conf.Server.Timeout,
		Introspection: conf.Server.Introspection,
		MaxBodyBytes:  conf.Server.MaxBodyBytes,
		Processors:    processors,
		Logger:        logger,
		Observer:      metrics,
		Journal:       j,
	}
	if conf.Server.CORS {
		cfg.CORS = middleware.RPCCORS()
	}
	srv, err := server.New(cfg)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	srv.Mount(mux)
	if conf.Server.Metrics != "" {
		mux.Handle("GET "+conf.Server.Metrics, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	}

	g, gctx := errgroup.WithContext(ctx)

	var emit broker.Emitter
	switch conf.Bus {
	case "http":
		sealer, err := newSealer()
		if err != nil {
			return err
		}
		opts := []httpbus.Option{
			httpbus.WithPrefix(conf.HTTP.Prefix),
			httpbus.WithLogger(logger),
		}
		if conf.HTTP.QueueSize > 0 {
			opts = append(opts, httpbus.WithQueueSize(conf.HTTP.QueueSize))
		}
		if conf.HTTP.Heartbeat > 0 {
			opts = append(opts, httpbus.WithHeartbeat(conf.HTTP.Heartbeat))
		}
		if sealer != nil {
			opts = append(opts, httpbus.WithSealer(sealer))
		}
		if bearer != nil {
			opts = append(opts, httpbus.WithProcessors(bearer))
		}
		b := httpbus.New(srv, opts...)
		b.Mount(mux)
		emit = b

	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: conf.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return errors.Wrapf(err, "redis %s", conf.Redis.Addr)
		}
		b := redisbus.New(rdb, srv,
			redisbus.WithPrefix(conf.Redis.Prefix),
			redisbus.WithPollTimeout(conf.Redis.PollTimeout),
			redisbus.WithLogger(logger),
		)
		g.Go(func() error { return b.Run(gctx) })
		emit = b

	case "kafka":
		b, err := kafkabus.Dial(kafkabus.Config{
			Brokers:          conf.Kafka.Brokers,
			RequestsTopic:    conf.Kafka.RequestsTopic,
			CompletionsTopic: conf.Kafka.CompletionsTopic,
			GroupID:          conf.Kafka.GroupID,
		}, srv, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		g.Go(func() error { return b.Run(gctx) })
		emit = b
	}

	for _, m := range conf.Methods {
		opts, err := m.registerOptions()
		if err != nil {
			return err
		}
		if _, err := srv.Method(m.Name, emit, opts...); err != nil {
			return err
		}
	}

	if j != nil && conf.Server.JournalRetention > 0 {
		g.Go(func() error {
			prune(gctx, j, conf.Server.JournalRetention, logger)
			return nil
		})
	}

	hs := &http.Server{
		Addr:    conf.Server.Addr,
		Handler: mux,
		// Worker event streams end with the process context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		logger.WithFields(logrus.Fields{"addr": hs.Addr, "bus": conf.Bus, "topology": topology}).Info("flow-server: listening")
		if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Waiting calls answer "Server closed" rather than holding Shutdown open.
		srv.Close()
		sctx, cancel := context.WithTimeout(context.Background(), conf.Server.ShutdownGrace)
		defer cancel()
		return hs.Shutdown(sctx)
	})

	return g.Wait()
}

// newBearer builds the auth processor from FLOWRPC_TOKEN and the
// FLOWRPC_OIDC_* variables. It returns nil when none is set.
func newBearer(ctx context.Context, logger logrus.FieldLogger) (*auth.Bearer, error) {
	var verifiers []auth.Verifier
	if token := os.Getenv("FLOWRPC_TOKEN"); token != "" {
		verifiers = append(verifiers, auth.StaticToken{Token: token})
	}
	if issuer := os.Getenv("FLOWRPC_OIDC_ISSUER"); issuer != "" {
		clientID := os.Getenv("FLOWRPC_OIDC_CLIENT_ID")
		var opts []auth.OIDCOption
		if clientID == "" {
			opts = append(opts, auth.WithSkipClientIDCheck())
		}
		v, err := auth.NewOIDCVerifier(ctx, issuer, clientID, opts...)
		if err != nil {
			return nil, err
		}
		verifiers = append(verifiers, v)
	}
	if len(verifiers) == 0 {
		logger.Warn("flow-server: no FLOWRPC_TOKEN or FLOWRPC_OIDC_ISSUER set, serving without auth")
		return nil, nil
	}
	return &auth.Bearer{
		Verifier:     auth.Any(verifiers...),
		Realm:        "flowrpc",
		Logger:       logger,
		AllowOptions: true,
	}, nil
}

// newSealer reads a base64 key from FLOWRPC_TICKET_KEY. Method references
// handed to HTTP workers are sealed only when it is set.
func newSealer() (*ticket.Sealer, error) {
	enc := os.Getenv("FLOWRPC_TICKET_KEY")
	if enc == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(enc)
	if err != nil {
		return nil, errors.Wrap(err, "FLOWRPC_TICKET_KEY")
	}
	return ticket.New("1", map[string][]byte{"1": key})
}

func prune(ctx context.Context, j *journal.Journal, retention time.Duration, logger logrus.FieldLogger) {
	t := time.NewTicker(retention / 24)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			n, err := j.Prune(now.Add(-retention))
			if err != nil {
				logger.WithError(err).Error("flow-server: journal prune failed")
				continue
			}
			logger.WithField("pruned", n).Debug("flow-server: journal pruned")
		}
	}
}
