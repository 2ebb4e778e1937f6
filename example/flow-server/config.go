package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/mnehpets/flowrpc/broker"
)

// Method is one JSON-RPC method answered by flows on the bus.
type Method struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Timeout     time.Duration `yaml:"timeout"`
	// Schema is a JSON Schema for the params, written inline as YAML.
	Schema         map[string]interface{} `yaml:"schema"`
	ExposeSchema   bool                   `yaml:"expose_schema"`
	ValidateSchema bool                   `yaml:"validate_schema"`
}

// Redis configures the redis bus.
type Redis struct {
	Addr        string        `yaml:"addr"`
	Prefix      string        `yaml:"prefix"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

// Kafka configures the kafka bus.
type Kafka struct {
	Brokers          []string `yaml:"brokers"`
	RequestsTopic    string   `yaml:"requests_topic"`
	CompletionsTopic string   `yaml:"completions_topic"`
	GroupID          string   `yaml:"group_id"`
}

// HTTP configures the HTTP worker bus.
type HTTP struct {
	Prefix    string        `yaml:"prefix"`
	QueueSize int           `yaml:"queue_size"`
	Heartbeat time.Duration `yaml:"heartbeat"`
}

// Server defines the listener and JSON-RPC options.
type Server struct {
	Addr          string        `yaml:"addr"`
	Path          string        `yaml:"path"`
	Topology      string        `yaml:"topology"`
	Timeout       time.Duration `yaml:"timeout"`
	Introspection string        `yaml:"introspection"`
	MaxBodyBytes  int           `yaml:"max_body_bytes"`
	CORS          bool          `yaml:"cors"`
	HSTS          bool          `yaml:"hsts"`
	Metrics       string        `yaml:"metrics"`
	Journal       string        `yaml:"journal"`
	// JournalRetention is how long settlements stay in the journal.
	JournalRetention time.Duration `yaml:"journal_retention"`
	ShutdownGrace    time.Duration `yaml:"shutdown_grace"`
}

// Config defines the configuration options of the server.
type Config struct {
	Server  *Server  `yaml:"server"`
	Bus     string   `yaml:"bus"`
	HTTP    *HTTP    `yaml:"http"`
	Redis   *Redis   `yaml:"redis"`
	Kafka   *Kafka   `yaml:"kafka"`
	Methods []Method `yaml:"methods"`
}

func getDefaultConfig() *Config {
	return &Config{
		Server: &Server{
			Addr:             *addrFlag,
			Path:             "/rpc",
			Topology:         "bound",
			Timeout:          broker.DefaultTimeout,
			Introspection:    "rpc.methods",
			CORS:             true,
			Metrics:          "/metrics",
			JournalRetention: 24 * time.Hour,
			ShutdownGrace:    10 * time.Second,
		},
		Bus:  *busFlag,
		HTTP: &HTTP{Prefix: "/flow"},
		Redis: &Redis{
			Addr:        *redisAddrFlag,
			Prefix:      "flowrpc",
			PollTimeout: time.Second,
		},
		Kafka: &Kafka{
			Brokers:          []string{"localhost:9092"},
			RequestsTopic:    "flowrpc.requests",
			CompletionsTopic: "flowrpc.completions",
		},
		Methods: []Method{
			{Name: "ping", Description: "Answers pong."},
			{Name: "echo", Description: "Returns its params."},
		},
	}
}

func getConfigFromReader(r io.Reader) (*Config, error) {
	conf := getDefaultConfig()
	if r != nil {
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, conf); err != nil {
			return nil, errors.Wrap(err, "parse config")
		}
	}
	if err := checkConfig(conf); err != nil {
		return nil, err
	}
	return conf, nil
}

func getConfigFromFile(file string) (*Config, error) {
	var r io.Reader
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	return getConfigFromReader(r)
}

func checkConfig(conf *Config) error {
	if conf.Server == nil || conf.Server.Addr == "" {
		return errors.New("server.addr must be set")
	}
	if _, err := broker.ParseTopology(conf.Server.Topology); err != nil {
		return err
	}
	switch conf.Bus {
	case "http":
		if conf.HTTP == nil {
			return errors.New("bus http needs an http section")
		}
	case "redis":
		if conf.Redis == nil || conf.Redis.Addr == "" {
			return errors.New("bus redis needs redis.addr")
		}
	case "kafka":
		if conf.Kafka == nil || len(conf.Kafka.Brokers) == 0 || conf.Kafka.RequestsTopic == "" || conf.Kafka.CompletionsTopic == "" {
			return errors.New("bus kafka needs kafka.brokers and both topics")
		}
	default:
		return errors.Errorf("unknown bus %q", conf.Bus)
	}
	seen := make(map[string]bool, len(conf.Methods))
	for _, m := range conf.Methods {
		if m.Name == "" {
			return errors.New("method without a name")
		}
		if seen[m.Name] {
			return errors.Errorf("method %s configured twice", m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// registerOptions translates m into broker options.
func (m Method) registerOptions() ([]broker.RegisterOption, error) {
	var opts []broker.RegisterOption
	if m.Timeout > 0 {
		opts = append(opts, broker.WithTimeout(m.Timeout))
	}
	if m.Description != "" {
		opts = append(opts, broker.WithDescription(m.Description))
	}
	if m.Schema != nil {
		raw, err := json.Marshal(jsonCompatible(m.Schema))
		if err != nil {
			return nil, errors.Wrapf(err, "method %s: schema", m.Name)
		}
		opts = append(opts, broker.WithSchema(raw, m.ExposeSchema, m.ValidateSchema))
	}
	return opts, nil
}

// jsonCompatible converts the map[interface{}]interface{} values yaml.v2
// produces into map[string]interface{}.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			if s, ok := k.(string); ok {
				m[s] = jsonCompatible(val)
			}
		}
		return m
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[k] = jsonCompatible(val)
		}
		return m
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = jsonCompatible(val)
		}
		return out
	default:
		return v
	}
}
