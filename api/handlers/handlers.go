// Package handlers implements the hanami API's HTTP handlers over the token
// reconciliation and redemption core.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanami-labs/hanami/token/pkg/activity"
	"github.com/hanami-labs/hanami/token/pkg/ledger"
	"github.com/hanami-labs/hanami/token/pkg/redeem"
)

// RedemptionDriver is the orchestrator surface the handlers depend on.
type RedemptionDriver interface {
	Redeem(ctx context.Context, req redeem.Request) error
	Retry(ctx context.Context, caller ledger.Account, itemID string) error
	Status(caller ledger.Account, itemID string) (redeem.Status, bool)
}

// Distributor is the reward distribution trigger surface.
type Distributor interface {
	Distribute(ctx context.Context, rewardID string) error
}

type Config struct {
	Logger      *slog.Logger
	Ledger      ledger.Client
	Registry    redeem.Registry
	Driver      RedemptionDriver
	Distributor Distributor
	Cache       *AccountCache
	ReadTimeout time.Duration
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Ledger == nil {
		return errors.New("ledger client is required")
	}
	if cfg.Registry == nil {
		return errors.New("registry client is required")
	}
	if cfg.Driver == nil {
		return errors.New("redemption driver is required")
	}
	if cfg.Distributor == nil {
		return errors.New("distributor is required")
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 15 * time.Second
	}
	return nil
}

type Handlers struct {
	log *slog.Logger
	cfg Config
}

func New(cfg Config) (*Handlers, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Handlers{log: cfg.Logger, cfg: cfg}, nil
}

// Routes mounts the API routes on the given router.
func (h *Handlers) Routes(r chi.Router) {
	r.Get("/accounts/{account}/summary", h.GetSummary)
	r.Get("/accounts/{account}/redemptions/{itemID}", h.GetRedemptionStatus)
	r.Get("/items", h.ListItems)
	r.Post("/redeem", h.PostRedeem)
	r.Post("/redeem/retry", h.PostRedeemRetry)
	r.Post("/rewards/{rewardID}/distribute", h.PostDistribute)
}

// viewpoint parses and validates the account path/body parameter.
func viewpoint(owner string) (ledger.Account, error) {
	return ledger.ParseAccount(owner)
}

// roleParam parses the role query parameter, defaulting to participant.
func roleParam(s string) activity.Role {
	return activity.ParseRole(s)
}
