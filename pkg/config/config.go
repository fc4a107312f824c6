// Package config loads the YAML description of a courier node.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/courier"
	"gopkg.in/yaml.v3"
)

// MaxFileSize bounds the configuration files we accept to read.
const MaxFileSize = 1 << 20

// Config represents a node configuration file.
type Config struct {
	Name      string  `yaml:"name"`
	Listen    Address `yaml:"listen"`
	Advertise Address `yaml:"advertise"`

	// LogLevel is one of debug, info, warn or error.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is where the CLI exposes Prometheus metrics,
	// empty disables the endpoint.
	MetricsAddr  string            `yaml:"metrics_addr"`
	MetricLabels map[string]string `yaml:"metric_labels"`

	// Tracing enables the stdout OpenTelemetry exporter.
	Tracing bool `yaml:"tracing"`

	Gossip  *GossipConfig `yaml:"gossip"`
	TLS     *TLSConfig    `yaml:"tls"`
	Runtime RuntimeConfig `yaml:"runtime"`
}

// Address is a bind or advertised interface.
type Address struct {
	Addr string `yaml:"addr"`
	Port int    `yaml:"port"`
}

// GossipConfig enables memberlist discovery.
type GossipConfig struct {
	Addr       string   `yaml:"addr"`
	Port       int      `yaml:"port"`
	Neighbours []string `yaml:"neighbours"`
}

// TLSConfig switches the data-plane to QUIC with mutual TLS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`
}

// RuntimeConfig holds the tuning knobs of the node.
type RuntimeConfig struct {
	Capacity       int           `yaml:"capacity"`
	QueueDepth     int           `yaml:"queue_depth"`
	Workers        int           `yaml:"workers"`
	MaxPayload     int           `yaml:"max_payload"`
	DialTimeout    time.Duration `yaml:"dial_timeout"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	BackoffHint    time.Duration `yaml:"backoff_hint"`
	ReconnectEvery time.Duration `yaml:"reconnect_every"`
	ReconnectBurst int           `yaml:"reconnect_burst"`
}

// Load reads and parses the file found at path, then applies defaults.
func Load(path string) (*Config, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes", info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document and applies defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if cfg.Listen.Addr == "" {
		cfg.Listen.Addr = "127.0.0.1"
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = courier.DefaultPort
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Gossip != nil && cfg.Gossip.Addr == "" {
		cfg.Gossip.Addr = cfg.Listen.Addr
	}
	if cfg.Runtime.ReconnectEvery == 0 {
		cfg.Runtime.ReconnectEvery = 100 * time.Millisecond
	}

	// Node names may come from the environment, as in containers.
	if cfg.Name == "" {
		cfg.Name = os.Getenv("COURIER_NODE_NAME")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen port %d out of range", c.Listen.Port)
	}
	if c.Advertise.Addr == "" && c.Advertise.Port != 0 {
		return errors.New("advertise port given without an address")
	}
	if c.Runtime.Capacity < 0 || c.Runtime.QueueDepth < 0 {
		return errors.New("runtime sizes must not be negative")
	}
	if c.TLS != nil && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return errors.New("tls requires both cert_file and key_file")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level returns the slog level named by LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}

// Options translates the configuration into node options. Logging,
// metrics and instrumentation are left to the caller.
func (c *Config) Options() ([]courier.Option, error) {
	opts := []courier.Option{
		courier.WithListenOn(c.Listen.Addr, c.Listen.Port),
		courier.WithReconnectLimit(c.Runtime.ReconnectEvery, c.Runtime.ReconnectBurst),
	}
	if c.Name != "" {
		opts = append(opts, courier.WithName(c.Name))
	}
	if c.Advertise.Addr != "" {
		opts = append(opts, courier.WithAdvertiseAddr(c.Advertise.Addr, c.Advertise.Port))
	}
	if len(c.MetricLabels) > 0 {
		opts = append(opts, courier.WithMetricLabels(c.Labels()))
	}

	rt := c.Runtime
	if rt.Capacity > 0 {
		opts = append(opts, courier.WithCapacity(rt.Capacity))
	}
	if rt.QueueDepth > 0 {
		opts = append(opts, courier.WithQueueDepth(rt.QueueDepth))
	}
	if rt.Workers > 0 {
		opts = append(opts, courier.WithWorkers(rt.Workers))
	}
	if rt.MaxPayload > 0 {
		opts = append(opts, courier.WithMaxPayload(rt.MaxPayload))
	}
	if rt.DialTimeout > 0 {
		opts = append(opts, courier.WithDialTimeout(rt.DialTimeout))
	}
	if rt.DefaultTimeout > 0 {
		opts = append(opts, courier.WithDefaultTimeout(rt.DefaultTimeout))
	}
	if rt.BackoffHint > 0 {
		opts = append(opts, courier.WithBackoffHint(rt.BackoffHint))
	}

	if c.Gossip != nil {
		opts = append(opts,
			courier.WithGossip(c.Gossip.Addr, c.Gossip.Port),
			courier.WithNeighbours(c.Gossip.Neighbours),
		)
	}

	if c.TLS != nil {
		tlsConf, err := c.TLS.Load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, courier.WithTlsConfig(tlsConf))
	}

	return opts, nil
}

// Labels returns MetricLabels sorted by name.
func (c *Config) Labels() []metrics.Label {
	labels := make([]metrics.Label, 0, len(c.MetricLabels))
	for _, name := range slices.Sorted(maps.Keys(c.MetricLabels)) {
		labels = append(labels, metrics.Label{Name: name, Value: c.MetricLabels[name]})
	}
	return labels
}

// Load builds a mutual TLS configuration out of PEM files. When no CA
// is given, the system pool is used.
func (t *TLSConfig) Load() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load key pair: %w", err)
	}

	tlsConf := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		MinVersion:   tls.VersionTLS13,
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificate found in %s", t.CAFile)
		}
		tlsConf.RootCAs = pool
		tlsConf.ClientCAs = pool
	}

	return tlsConf, nil
}
