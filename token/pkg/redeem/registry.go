package redeem

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/hanami-labs/hanami/token/pkg/remote"
	"github.com/hanami-labs/hanami/utils/pkg/retry"
)

const registryService = "registry"

// Registry is the item registry service surface.
type Registry interface {
	// ListAvailable returns the caller-scoped item list, including per-item
	// redemption counts and whether the caller already redeemed each item.
	ListAvailable(ctx context.Context, caller string) ([]Item, error)
	// Redeem consumes the caller's allowance to redeem one item.
	Redeem(ctx context.Context, caller, itemID string) error
}

type RegistryConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Retry       retry.Config
}

func (cfg *RegistryConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("registry base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	return nil
}

// RegistryClient talks to the item registry's REST API.
type RegistryClient struct {
	log *slog.Logger
	cfg RegistryConfig
}

func NewRegistryClient(cfg RegistryConfig) (*RegistryClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RegistryClient{log: cfg.Logger, cfg: cfg}, nil
}

type registryErrorBody struct {
	Error string `json:"error"`
}

func (c *RegistryClient) ListAvailable(ctx context.Context, caller string) ([]Item, error) {
	var items []Item
	path := "/items?caller=" + url.QueryEscape(caller)
	err := retry.Do(ctx, c.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.do(callCtx, http.MethodGet, path, &items)
	})
	if err != nil {
		return nil, fmt.Errorf("list available items: %w", err)
	}
	return items, nil
}

// Redeem is deliberately not retried at the transport level: the registry call
// consumes the allowance, and whether a timed-out attempt landed is unknown.
// The orchestrator surfaces that as a retryable failure instead and lets the
// caller re-drive the redeem stage explicitly.
func (c *RegistryClient) Redeem(ctx context.Context, caller, itemID string) error {
	callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
	defer cancel()
	path := "/items/" + url.PathEscape(itemID) + "/redeem?caller=" + url.QueryEscape(caller)
	if err := c.do(callCtx, http.MethodPost, path, nil); err != nil {
		return fmt.Errorf("redeem item %s: %w", itemID, err)
	}
	return nil
}

func (c *RegistryClient) do(ctx context.Context, method, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return &remote.UnavailableError{Service: registryService, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests:
		return &remote.UnavailableError{Service: registryService, Status: resp.StatusCode}
	case resp.StatusCode >= http.StatusBadRequest:
		var body registryErrorBody
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return &remote.RejectedError{Service: registryService, Code: resp.StatusCode, Message: body.Error}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return &remote.UnavailableError{Service: registryService, Err: fmt.Errorf("failed to decode response: %w", err)}
		}
	}

	c.log.Debug("registry: call complete", "method", method, "path", path)
	return nil
}
