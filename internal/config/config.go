package config

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/danmuck/tdnctl/internal/collector"
	"github.com/danmuck/tdnctl/internal/notary"
	"github.com/danmuck/tdnctl/internal/wsproxy"
	"github.com/pelletier/go-toml/v2"
)

const (
	DefaultServiceName = "tdnctl"
	DefaultServiceAddr = ":9300"
	DefaultProxyListen = ":9301"
)

var ErrNoCertificates = errors.New("config: no certificates in ca file")

// Duration reads "30s" style strings from TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type ServiceConfig struct {
	Name        string          `toml:"name"`
	Addr        string          `toml:"addr"`
	CorsOrigins []string        `toml:"cors_origins"`
	AuthTokens  []string        `toml:"auth_tokens"`
	Notary      NotaryConfig    `toml:"notary"`
	Proxy       ProxyConfig     `toml:"proxy"`
	Collector   CollectorConfig `toml:"collector"`
}

type NotaryConfig struct {
	// URL is used for requests that name no notary.
	URL              string   `toml:"url"`
	ConnectTimeout   Duration `toml:"connect_timeout"`
	HandshakeTimeout Duration `toml:"handshake_timeout"`
	RequestTimeout   Duration `toml:"request_timeout"`
	MaxResponseBytes int64    `toml:"max_response_bytes"`
}

type ProxyConfig struct {
	// URL is used for requests that name no websocket proxy.
	URL         string   `toml:"url"`
	Listen      string   `toml:"listen"`
	Upstream    string   `toml:"upstream"`
	Allow       []string `toml:"allow"`
	DialTimeout Duration `toml:"dial_timeout"`
}

type CollectorConfig struct {
	CAFile          string   `toml:"ca_file"`
	AbandonGrace    Duration `toml:"abandon_grace"`
	MaxResponseBody int64    `toml:"max_response_body"`
	MaxSentData     int      `toml:"max_sent_data"`
	MaxRecvData     int      `toml:"max_recv_data"`
}

func DefaultServiceConfig() ServiceConfig {
	n := notary.DefaultConfig()
	return ServiceConfig{
		Name: DefaultServiceName,
		Addr: DefaultServiceAddr,
		Notary: NotaryConfig{
			ConnectTimeout:   Duration{n.ConnectTimeout},
			HandshakeTimeout: Duration{n.HandshakeTimeout},
			RequestTimeout:   Duration{n.RequestTimeout},
			MaxResponseBytes: n.MaxResponseBytes,
		},
		Proxy: ProxyConfig{
			Listen:      DefaultProxyListen,
			DialTimeout: Duration{wsproxy.DefaultDialTimeout},
		},
		Collector: CollectorConfig{
			AbandonGrace:    Duration{collector.DefaultAbandonGrace},
			MaxResponseBody: collector.DefaultMaxResponseBody,
		},
	}
}

// LoadServiceConfig decodes path over the defaults and validates the result.
func LoadServiceConfig(path string) (ServiceConfig, error) {
	cfg := DefaultServiceConfig()
	if err := loadToml(path, &cfg); err != nil {
		return ServiceConfig{}, err
	}
	if cfg.Name == "" {
		cfg.Name = DefaultServiceName
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultServiceAddr
	}
	if err := ValidateServiceConfig(cfg); err != nil {
		return ServiceConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateServiceConfig(cfg ServiceConfig) error {
	if strings.TrimSpace(cfg.Name) == "" {
		return fmt.Errorf("service config missing name")
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("service config missing addr")
	}
	if cfg.Notary.URL != "" {
		if _, err := notary.ParseEndpoint(cfg.Notary.URL); err != nil {
			return fmt.Errorf("notary.url invalid: %w", err)
		}
	}
	if cfg.Proxy.URL != "" {
		if err := validateWebsocketURL(cfg.Proxy.URL); err != nil {
			return fmt.Errorf("proxy.url invalid: %w", err)
		}
	}
	for i, target := range cfg.Proxy.Allow {
		if strings.TrimSpace(target) == "" {
			return fmt.Errorf("proxy.allow[%d] is empty", i)
		}
	}
	if cfg.Notary.MaxResponseBytes < 0 {
		return fmt.Errorf("notary.max_response_bytes must not be negative")
	}
	if cfg.Collector.MaxResponseBody < 0 {
		return fmt.Errorf("collector.max_response_body must not be negative")
	}
	if cfg.Collector.MaxSentData < 0 || cfg.Collector.MaxRecvData < 0 {
		return fmt.Errorf("collector transcript limits must not be negative")
	}
	return nil
}

func validateWebsocketURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("scheme %q is not ws or wss", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host")
	}
	return nil
}

func (c ServiceConfig) NotaryClientConfig() notary.Config {
	return notary.Config{
		ConnectTimeout:   c.Notary.ConnectTimeout.Duration,
		HandshakeTimeout: c.Notary.HandshakeTimeout.Duration,
		RequestTimeout:   c.Notary.RequestTimeout.Duration,
		MaxResponseBytes: c.Notary.MaxResponseBytes,
	}.WithDefaults()
}

func (c ServiceConfig) ProxyHandlerConfig() wsproxy.Config {
	return wsproxy.Config{
		Upstream:    c.Proxy.Upstream,
		Allow:       c.Proxy.Allow,
		DialTimeout: c.Proxy.DialTimeout.Duration,
	}
}

// CollectorConfig builds the collector configuration. The target root pool
// is read from ca_file when one is set.
func (c ServiceConfig) CollectorConfig() (collector.Config, error) {
	pool, err := LoadCertPool(c.Collector.CAFile)
	if err != nil {
		return collector.Config{}, err
	}
	return collector.Config{
		Notary:          c.NotaryClientConfig(),
		RootCAs:         pool,
		AbandonGrace:    c.Collector.AbandonGrace.Duration,
		MaxResponseBody: c.Collector.MaxResponseBody,
	}, nil
}

// LoadCertPool reads PEM certificates from path. An empty path returns nil,
// which selects the system roots.
func LoadCertPool(path string) (*x509.CertPool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("%w: %s", ErrNoCertificates, path)
	}
	return pool, nil
}
