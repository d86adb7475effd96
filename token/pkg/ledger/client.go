package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hanami-labs/hanami/token/pkg/remote"
	"github.com/hanami-labs/hanami/utils/pkg/retry"
)

const serviceName = "ledger"

// Client is the ledger service surface the rest of the platform depends on.
type Client interface {
	// BalanceOf returns the authoritative balance of an account in minor units.
	BalanceOf(ctx context.Context, account Account) (uint64, error)
	// TransactionHistoryOf returns the raw ledger entries touching an account.
	TransactionHistoryOf(ctx context.Context, account Account) ([]Entry, error)
	// Approve grants spender an allowance of exactly amountMinor, replacing
	// any previous allowance for that spender. Returns the block index.
	Approve(ctx context.Context, spender Account, amountMinor uint64, memo []byte) (uint64, error)
}

type RPCConfig struct {
	Logger      *slog.Logger
	URL         string
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Retry       retry.Config
}

func (cfg *RPCConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.URL == "" {
		return errors.New("ledger url is required")
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

// RPCClient talks JSON-RPC 2.0 to the ledger service.
type RPCClient struct {
	log *slog.Logger
	cfg RPCConfig
}

func NewRPCClient(cfg RPCConfig) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RPCClient{log: cfg.Logger, cfg: cfg}, nil
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (c *RPCClient) BalanceOf(ctx context.Context, account Account) (uint64, error) {
	var balance uint64
	if err := c.call(ctx, "ledger_balanceOf", []any{account}, &balance); err != nil {
		return 0, fmt.Errorf("balance of %s: %w", account.Owner, err)
	}
	return balance, nil
}

func (c *RPCClient) TransactionHistoryOf(ctx context.Context, account Account) ([]Entry, error) {
	var entries []Entry
	if err := c.call(ctx, "ledger_transactionHistoryOf", []any{account}, &entries); err != nil {
		return nil, fmt.Errorf("transaction history of %s: %w", account.Owner, err)
	}
	return entries, nil
}

type approveParams struct {
	Spender     Account `json:"spender"`
	AmountMinor uint64  `json:"amount"`
	Memo        []byte  `json:"memo,omitempty"`
}

// Approve is safe to retry on transport failure: the allowance is an absolute
// amount, not an increment, so a duplicate approve converges to the same state.
func (c *RPCClient) Approve(ctx context.Context, spender Account, amountMinor uint64, memo []byte) (uint64, error) {
	var blockIndex uint64
	params := approveParams{Spender: spender, AmountMinor: amountMinor, Memo: memo}
	if err := c.call(ctx, "ledger_approve", params, &blockIndex); err != nil {
		return 0, fmt.Errorf("approve %d for %s: %w", amountMinor, spender.Owner, err)
	}
	return blockIndex, nil
}

// call performs a single JSON-RPC method call with per-call timeout and
// transport-level retry. Explicit RPC error results are never retried.
func (c *RPCClient) call(ctx context.Context, method string, params any, result any) error {
	return retry.Do(ctx, c.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.callOnce(callCtx, method, params, result)
	})
}

func (c *RPCClient) callOnce(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.cfg.HTTPClient.Do(httpReq)
	if err != nil {
		return &remote.UnavailableError{Service: serviceName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &remote.UnavailableError{Service: serviceName, Status: resp.StatusCode}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return &remote.UnavailableError{Service: serviceName, Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if rpcResp.Error != nil {
		return &remote.RejectedError{Service: serviceName, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return &remote.UnavailableError{Service: serviceName, Err: fmt.Errorf("failed to unmarshal %s result: %w", method, err)}
		}
	}

	c.log.Debug("ledger: rpc call complete", "method", method)
	return nil
}
