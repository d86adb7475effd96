package community

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hanami-labs/hanami/token/pkg/remote"
	"github.com/hanami-labs/hanami/utils/pkg/retry"
	hanamitesting "github.com/hanami-labs/hanami/utils/pkg/testing"
)

func newTestHTTPClient(t *testing.T, url string) *HTTPClient {
	t.Helper()
	c, err := NewHTTPClient(HTTPConfig{
		Logger:  hanamitesting.NewLogger(),
		BaseURL: url,
		Retry:   retry.Config{MaxAttempts: 1, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	require.NoError(t, err)
	return c
}

func TestHanami_Community_CreateProject(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/projects", r.URL.Path)

		var req CreateProjectRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "River Cleanup", req.Name)

		_, _ = w.Write([]byte(`{"ok": true, "result": {"id": "proj-1", "name": "River Cleanup", "reward_pool_minor": 1000000000}}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	p, err := c.CreateProject(context.Background(), CreateProjectRequest{Name: "River Cleanup", RewardPoolMinor: 1000000000})
	require.NoError(t, err)
	assert.Equal(t, "proj-1", p.ID)
	assert.Equal(t, uint64(1000000000), p.RewardPoolMinor)
}

func TestHanami_Community_CreateProject_StableIdempotencyKeyAcrossRetries(t *testing.T) {
	t.Parallel()

	// A create whose response is lost must not mint a second project when the
	// transport retries: every attempt of the same logical write has to carry
	// the same Idempotency-Key.
	var attempts atomic.Int32
	keys := make(chan string, 2)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		keys <- r.Header.Get("Idempotency-Key")
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true, "result": {"id": "proj-1"}}`))
	}))
	defer server.Close()

	c, err := NewHTTPClient(HTTPConfig{
		Logger:  hanamitesting.NewLogger(),
		BaseURL: server.URL,
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	_, err = c.CreateProject(context.Background(), CreateProjectRequest{Name: "River Cleanup"})
	require.NoError(t, err)
	require.Equal(t, int32(2), attempts.Load())

	first, second := <-keys, <-keys
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second, "retried attempt must reuse the key")
}

func TestHanami_Community_JoinProject_SendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1/join", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	require.NoError(t, c.JoinProject(context.Background(), "proj-1"))
}

func TestHanami_Community_GetProject(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/projects/proj-1", r.URL.Path)
		_, _ = w.Write([]byte(`{"ok": true, "result": {"id": "proj-1", "name": "River Cleanup", "member_count": 12}}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	p, err := c.GetProject(context.Background(), "proj-1")
	require.NoError(t, err)
	assert.Equal(t, 12, p.MemberCount)
}

func TestHanami_Community_DistributeRewards_SendsIdempotencyKey(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rewards/reward-1/distribute", r.URL.Path)
		assert.Equal(t, "key-abc", r.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	require.NoError(t, c.DistributeRewards(context.Background(), "reward-1", "key-abc"))
}

func TestHanami_Community_SubmitFeedback(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/evidence/ev-1/feedback", r.URL.Path)

		var body struct {
			Feedback string         `json:"feedback"`
			Status   FeedbackStatus `json:"status"`
		}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, FeedbackApproved, body.Status)
		assert.Equal(t, "great work", body.Feedback)

		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	require.NoError(t, c.SubmitFeedback(context.Background(), "ev-1", "great work", FeedbackApproved))
}

func TestHanami_Community_EnvelopeErrorIsRejection(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"ok": false, "error": "already a member"}`))
	}))
	defer server.Close()

	c := newTestHTTPClient(t, server.URL)
	err := c.JoinProject(context.Background(), "proj-1")
	require.Error(t, err)
	assert.True(t, remote.IsRejected(err))
	assert.Contains(t, err.Error(), "already a member")
}

func TestHanami_Community_ServerErrorIsRetried(t *testing.T) {
	t.Parallel()

	// Writes carry idempotency keys, so transport-level retry is safe.
	var attempts atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) < 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	c, err := NewHTTPClient(HTTPConfig{
		Logger:  hanamitesting.NewLogger(),
		BaseURL: server.URL,
		Retry:   retry.Config{MaxAttempts: 3, BaseBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	require.NoError(t, c.DistributeRewards(context.Background(), "reward-1", "key-abc"))
	assert.Equal(t, int32(2), attempts.Load())
}
