// Package community talks to the project/community service and owns the
// single-shot reward distribution trigger.
package community

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/hanami-labs/hanami/token/pkg/remote"
	"github.com/hanami-labs/hanami/utils/pkg/retry"
)

const communityService = "community"

// Project is a community project as returned by the community service.
type Project struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description"`
	MemberCount     int       `json:"member_count"`
	RewardPoolMinor uint64    `json:"reward_pool_minor"`
	CreatedAt       time.Time `json:"created_at"`
}

// CreateProjectRequest is the request body for creating a project.
type CreateProjectRequest struct {
	Name            string `json:"name"`
	Description     string `json:"description"`
	RewardPoolMinor uint64 `json:"reward_pool_minor"`
}

// FeedbackStatus is the reviewer's verdict on a piece of evidence.
type FeedbackStatus string

const (
	FeedbackApproved     FeedbackStatus = "approved"
	FeedbackRejected     FeedbackStatus = "rejected"
	FeedbackNeedsChanges FeedbackStatus = "needs_changes"
)

// Client is the community service surface. Expected business failures come
// back as errors in the success/error envelope, never as panics.
type Client interface {
	CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error)
	GetProject(ctx context.Context, id string) (*Project, error)
	JoinProject(ctx context.Context, id string) error
	// DistributeRewards asks the service to pay out the reward pool to each
	// participant. The response is atomic: no partial-distribution view is
	// ever exposed to the client.
	DistributeRewards(ctx context.Context, rewardID, idempotencyKey string) error
	SubmitFeedback(ctx context.Context, evidenceID, feedback string, status FeedbackStatus) error
}

type HTTPConfig struct {
	Logger      *slog.Logger
	BaseURL     string
	HTTPClient  *http.Client
	CallTimeout time.Duration
	Retry       retry.Config
}

func (cfg *HTTPConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("community base url is required")
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

// HTTPClient talks to the community service's REST API.
type HTTPClient struct {
	log *slog.Logger
	cfg HTTPConfig
}

func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &HTTPClient{log: cfg.Logger, cfg: cfg}, nil
}

// envelope is the service's uniform success/error wrapper.
type envelope struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
}

func (c *HTTPClient) CreateProject(ctx context.Context, req CreateProjectRequest) (*Project, error) {
	var p Project
	if err := c.call(ctx, http.MethodPost, "/projects", req, idempotencyHeader(), &p); err != nil {
		return nil, fmt.Errorf("create project: %w", err)
	}
	return &p, nil
}

func (c *HTTPClient) GetProject(ctx context.Context, id string) (*Project, error) {
	var p Project
	if err := c.call(ctx, http.MethodGet, "/projects/"+url.PathEscape(id), nil, nil, &p); err != nil {
		return nil, fmt.Errorf("get project %s: %w", id, err)
	}
	return &p, nil
}

func (c *HTTPClient) JoinProject(ctx context.Context, id string) error {
	if err := c.call(ctx, http.MethodPost, "/projects/"+url.PathEscape(id)+"/join", nil, idempotencyHeader(), nil); err != nil {
		return fmt.Errorf("join project %s: %w", id, err)
	}
	return nil
}

func (c *HTTPClient) DistributeRewards(ctx context.Context, rewardID, idempotencyKey string) error {
	headers := map[string]string{"Idempotency-Key": idempotencyKey}
	if err := c.call(ctx, http.MethodPost, "/rewards/"+url.PathEscape(rewardID)+"/distribute", nil, headers, nil); err != nil {
		return fmt.Errorf("distribute rewards %s: %w", rewardID, err)
	}
	return nil
}

type feedbackBody struct {
	Feedback string         `json:"feedback"`
	Status   FeedbackStatus `json:"status"`
}

func (c *HTTPClient) SubmitFeedback(ctx context.Context, evidenceID, feedback string, status FeedbackStatus) error {
	body := feedbackBody{Feedback: feedback, Status: status}
	if err := c.call(ctx, http.MethodPost, "/evidence/"+url.PathEscape(evidenceID)+"/feedback", body, idempotencyHeader(), nil); err != nil {
		return fmt.Errorf("submit feedback for %s: %w", evidenceID, err)
	}
	return nil
}

// idempotencyHeader mints the Idempotency-Key for one logical write. Minted
// once per call, outside the retry loop, so every transport attempt of the
// same write carries the same key and a request that landed but lost its
// response is not applied twice.
func idempotencyHeader() map[string]string {
	return map[string]string{"Idempotency-Key": uuid.NewString()}
}

func (c *HTTPClient) call(ctx context.Context, method, path string, body any, headers map[string]string, result any) error {
	// Reads are retried; every write carries an Idempotency-Key so retrying
	// it is safe too.
	return retry.Do(ctx, c.cfg.Retry, func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
		return c.callOnce(callCtx, method, path, body, headers, result)
	})
}

func (c *HTTPClient) callOnce(ctx context.Context, method, path string, body any, headers map[string]string, result any) error {
	var reqBody *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	} else {
		reqBody = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return &remote.UnavailableError{Service: communityService, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return &remote.UnavailableError{Service: communityService, Status: resp.StatusCode}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return &remote.UnavailableError{Service: communityService, Err: fmt.Errorf("failed to decode response: %w", err)}
	}
	if !env.OK {
		return &remote.RejectedError{Service: communityService, Code: resp.StatusCode, Message: env.Error}
	}

	if result != nil {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return &remote.UnavailableError{Service: communityService, Err: fmt.Errorf("failed to unmarshal result: %w", err)}
		}
	}

	c.log.Debug("community: call complete", "method", method, "path", path)
	return nil
}
