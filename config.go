package nsqpool

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/go-metrics"
	"gopkg.in/yaml.v3"
)

const envConfig = "NSQPOOL_CONFIG"

// TLSFiles points to the PEM files used for mTLS.
type TLSFiles struct {
	CA   string `yaml:"ca"`
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

type ServerSection struct {
	BindAddr          string        `yaml:"bind_addr,omitempty"`
	BindPort          int           `yaml:"bind_port,omitempty"`
	BufferSize        int           `yaml:"buffer_size,omitempty"`
	EnforceBufferSize bool          `yaml:"enforce_buffer_size,omitempty"`
	GracePeriod       time.Duration `yaml:"grace_period,omitempty"`
	MaxDefer          time.Duration `yaml:"max_defer,omitempty"`
	MaxFrameSize      int           `yaml:"max_frame_size,omitempty"`
}

type MembershipSection struct {
	Name        string   `yaml:"name,omitempty"`
	BindAddr    string   `yaml:"bind_addr,omitempty"`
	BindPort    int      `yaml:"bind_port,omitempty"`
	PublishAddr string   `yaml:"publish_addr,omitempty"`
	Neighbours  []string `yaml:"neighbours,omitempty"`
}

// Config is the file configuration of the nsqpool command.
type Config struct {
	Strategy    Strategy          `yaml:"strategy"`
	Parallel    bool              `yaml:"parallel,omitempty"`
	MaxInFlight int               `yaml:"max_in_flight,omitempty"`
	DialTimeout time.Duration     `yaml:"dial_timeout,omitempty"`
	Peers       []string          `yaml:"peers,omitempty"`
	Labels      map[string]string `yaml:"labels,omitempty"`
	TLS         TLSFiles          `yaml:"tls"`

	Server     ServerSection      `yaml:"server,omitempty"`
	Membership *MembershipSection `yaml:"membership,omitempty"`
}

// DefaultConfigPath is `$NSQPOOL_CONFIG`, or nsqpool.yaml in the working
// directory.
func DefaultConfigPath() string {
	if fromEnv := strings.TrimSpace(os.Getenv(envConfig)); fromEnv != "" {
		return fromEnv
	}
	return "nsqpool.yaml"
}

// LoadConfig reads the YAML file at path. An empty path means
// `DefaultConfigPath`.
func LoadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = DefaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}

	cfg, err := ParseConfig(data)
	if err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes a YAML document. Unknown keys and unknown
// strategies are rejected. The strategy defaults to `AtLeastOne`.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	if cfg.Strategy == strategyInvalid {
		cfg.Strategy = AtLeastOne
	}
	if cfg.MaxInFlight < 0 {
		return nil, fmt.Errorf("%w: max_in_flight must not be negative", ErrInvalidCfg)
	}
	return cfg, nil
}

// MetricLabels returns the static labels, sorted by name.
func (c *Config) MetricLabels() []metrics.Label {
	labels := make([]metrics.Label, 0, len(c.Labels))
	for _, name := range slices.Sorted(maps.Keys(c.Labels)) {
		labels = append(labels, metrics.Label{Name: name, Value: c.Labels[name]})
	}
	return labels
}

// Options returns the pool options described by the file.
func (c *Config) Options() []Option {
	opts := []Option{
		WithDefaultStrategy(c.Strategy),
		WithMetricLabels(c.MetricLabels()),
	}
	if c.Parallel {
		opts = append(opts, WithParallelFanOut(c.MaxInFlight))
	}
	return opts
}

// LoadTLS builds an mTLS configuration trusting only the configured CA.
func (c *Config) LoadTLS() (*tls.Config, error) {
	if c.TLS.CA == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
		return nil, ErrNoTLSConfig
	}

	cert, err := tls.LoadX509KeyPair(c.TLS.Cert, c.TLS.Key)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}

	caPEM, err := os.ReadFile(c.TLS.CA)
	if err != nil {
		return nil, fmt.Errorf("read CA: %w", err)
	}
	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("%w: no certificate found in %q", ErrInvalidCfg, c.TLS.CA)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    caPool,
		RootCAs:      caPool,
	}, nil
}

// PeerConfig is the template used to dial every peer.
func (c *Config) PeerConfig(tc *tls.Config) PeerConfig {
	return PeerConfig{
		TlsConfig:    tc,
		DialTimeout:  c.DialTimeout,
		MaxFrameSize: c.Server.MaxFrameSize,
		MetricLabels: c.MetricLabels(),
	}
}

func (c *Config) ServerConfig(tc *tls.Config) *ServerConfig {
	return &ServerConfig{
		TlsConfig:         tc,
		BindAddr:          c.Server.BindAddr,
		BindPort:          c.Server.BindPort,
		BufferSize:        c.Server.BufferSize,
		EnforceBufferSize: c.Server.EnforceBufferSize,
		GracePeriod:       c.Server.GracePeriod,
		MaxFrameSize:      c.Server.MaxFrameSize,
		MetricLabels:      c.MetricLabels(),
	}
}

// MembershipConfig returns nil when discovery is not configured.
func (c *Config) MembershipConfig() *MembershipConfig {
	if c.Membership == nil {
		return nil
	}
	return &MembershipConfig{
		Name:         c.Membership.Name,
		BindAddr:     c.Membership.BindAddr,
		BindPort:     c.Membership.BindPort,
		PublishAddr:  c.Membership.PublishAddr,
		Neighbours:   c.Membership.Neighbours,
		DialTimeout:  c.DialTimeout,
		MetricLabels: c.MetricLabels(),
	}
}
