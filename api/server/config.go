package server

import (
	"errors"
	"time"

	"github.com/hanami-labs/hanami/api/handlers"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
)

// VersionInfo contains build-time version information.
type VersionInfo struct {
	Version string `json:"version"`
	Commit  string `json:"commit"`
	Date    string `json:"date"`
}

type Config struct {
	ListenAddr        string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	AllowedOrigins    []string
	VersionInfo       VersionInfo
	HandlerConfig     handlers.Config

	// ReadyProbeAccount, when set, is queried on /readyz to verify the
	// ledger is reachable.
	ReadyProbeAccount ledger.Account
}

func (cfg *Config) Validate() error {
	if cfg.ListenAddr == "" {
		return errors.New("listen addr is required")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	return cfg.HandlerConfig.Validate()
}
