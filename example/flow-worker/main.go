// Command flow-worker answers the ping and echo methods of a flow-server
// running with the redis or kafka bus.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/mnehpets/flowrpc/flowbus"
	"github.com/mnehpets/flowrpc/flowbus/kafkabus"
	"github.com/mnehpets/flowrpc/flowbus/redisbus"
)

var (
	busFlag         = flag.String("bus", "redis", "Flow bus: redis or kafka.")
	redisAddrFlag   = flag.String("redis", ":6379", "Redis `address`.")
	prefixFlag      = flag.String("prefix", "flowrpc", "Redis key prefix.")
	concurrencyFlag = flag.Int("c", 16, "Maximum concurrent `calls`.")
	kafkaFlag       = flag.String("kafka", "localhost:9092", "Comma-separated kafka `brokers`.")
	topicFlag       = flag.String("topic", "flowrpc.requests", "Kafka requests `topic`.")
	groupFlag       = flag.String("group", "flow-worker", "Kafka consumer `group`.")
	delayFlag       = flag.Duration("delay", 0, "Artificial latency added to every call.")
)

func methods() map[string]flowbus.Thunk {
	return map[string]flowbus.Thunk{
		"ping": func(ctx context.Context, _ json.RawMessage) (any, error) {
			return "pong", wait(ctx)
		},
		"echo": func(ctx context.Context, params json.RawMessage) (any, error) {
			return params, wait(ctx)
		},
	}
}

func wait(ctx context.Context) error {
	if *delayFlag <= 0 {
		return nil
	}
	select {
	case <-time.After(*delayFlag):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func main() {
	flag.Parse()
	logger := logrus.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch *busFlag {
	case "redis":
		rdb := redis.NewClient(&redis.Options{Addr: *redisAddrFlag})
		defer rdb.Close()
		w := redisbus.NewWorker(rdb,
			redisbus.WithPrefix(*prefixFlag),
			redisbus.WithConcurrency(*concurrencyFlag),
			redisbus.WithLogger(logger),
		)
		err = w.Listen(ctx, methods())
	case "kafka":
		brokers := strings.Split(*kafkaFlag, ",")
		r := kafkabus.NewReader(brokers, *topicFlag, *groupFlag)
		rw := kafkabus.NewReplyWriter(brokers)
		defer r.Close()
		defer rw.Close()
		err = kafkabus.NewWorker(r, rw, logger).Listen(ctx, methods())
	default:
		logger.Fatalf("unknown bus %q", *busFlag)
	}
	if err != nil {
		logger.WithError(err).Fatal("flow-worker failed")
	}
}
