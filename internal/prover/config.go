package prover

import (
	"crypto/x509"
	"errors"
	"fmt"
	"strings"
)

const (
	DefaultMaxSentData = 4096
	DefaultMaxRecvData = 16384
)

var (
	ErrMissingID         = errors.New("prover: config missing id")
	ErrMissingServerName = errors.New("prover: config missing server name")
	ErrInvalidLimit      = errors.New("prover: invalid transcript limit")
)

// Config describes one proving session.
type Config struct {
	ID          string
	ServerName  string
	MaxSentData int
	MaxRecvData int
	// RootCAs verifies the target; nil uses the system pool.
	RootCAs *x509.CertPool
}

type ConfigBuilder struct {
	cfg Config
}

func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{cfg: Config{
		MaxSentData: DefaultMaxSentData,
		MaxRecvData: DefaultMaxRecvData,
	}}
}

func (b *ConfigBuilder) ID(id string) *ConfigBuilder {
	b.cfg.ID = id
	return b
}

func (b *ConfigBuilder) ServerName(name string) *ConfigBuilder {
	b.cfg.ServerName = name
	return b
}

func (b *ConfigBuilder) MaxSentData(n int) *ConfigBuilder {
	b.cfg.MaxSentData = n
	return b
}

func (b *ConfigBuilder) MaxRecvData(n int) *ConfigBuilder {
	b.cfg.MaxRecvData = n
	return b
}

func (b *ConfigBuilder) RootCAs(pool *x509.CertPool) *ConfigBuilder {
	b.cfg.RootCAs = pool
	return b
}

func (b *ConfigBuilder) Build() (Config, error) {
	cfg := b.cfg
	cfg.ID = strings.TrimSpace(cfg.ID)
	cfg.ServerName = strings.TrimSpace(cfg.ServerName)
	if cfg.ID == "" {
		return Config{}, ErrMissingID
	}
	if cfg.ServerName == "" {
		return Config{}, ErrMissingServerName
	}
	if cfg.MaxSentData <= 0 {
		return Config{}, fmt.Errorf("%w: max_sent_data=%d", ErrInvalidLimit, cfg.MaxSentData)
	}
	if cfg.MaxRecvData <= 0 {
		return Config{}, fmt.Errorf("%w: max_recv_data=%d", ErrInvalidLimit, cfg.MaxRecvData)
	}
	return cfg, nil
}
