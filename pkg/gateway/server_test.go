package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quanta-labs/llm-ratelimiter/pkg/ratelimit"
	"github.com/quanta-labs/llm-ratelimiter/pkg/registry"
)

func newTestServer(t *testing.T, doc string, limiter ratelimit.Limiter) *Server {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "api_keys.yaml")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	reg, err := registry.Load(path, nil)
	require.NoError(t, err)

	if limiter == nil {
		limiter = ratelimit.NewMemoryLimiter(60 * time.Second)
	}
	return New("test-node", reg, limiter, 60, nil)
}

const doc = `
keys:
  sk-good:
    request_per_minute: 2
    input_tokens_per_minute: 100000
    output_tokens_per_minute: 100000
`

func postChat(srv *Server, token string, body map[string]interface{}) *httptest.ResponseRecorder {
	payload, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(payload))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func validBody() map[string]interface{} {
	return map[string]interface{}{
		"model": "gpt-4o-mini",
		"messages": []map[string]string{
			{"role": "user", "content": "hello there"},
		},
		"max_tokens": 32,
	}
}

func TestHandleHealth(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body.Status)
	require.Equal(t, "test-node", body.NodeID)
}

func TestChatCompletions_MissingAuth(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	rec := postChat(srv, "", validBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletions_UnknownCredential(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	rec := postChat(srv, "sk-unknown", validBody())
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestChatCompletions_MalformedBody(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader([]byte("{not json")))
	req.Header.Set("Authorization", "Bearer sk-good")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletions_MissingMessages(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	body := map[string]interface{}{"model": "gpt-4o-mini"}
	rec := postChat(srv, "sk-good", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatCompletions_AllowedProducesOpenAIEnvelope(t *testing.T) {
	srv := newTestServer(t, doc, nil)
	rec := postChat(srv, "sk-good", validBody())
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "chat.completion", resp.Object)
	require.NotEmpty(t, resp.ID)
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "assistant", resp.Choices[0].Message.Role)
	require.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
	require.Equal(t, "test-node", resp.NodeID)
	require.NotNil(t, resp.RateLimitState)
	require.Equal(t, int64(2), resp.RateLimitState.RPM)
}

func TestChatCompletions_DeniedReturns429WithRetryAfter(t *testing.T) {
	srv := newTestServer(t, doc, nil)

	rec1 := postChat(srv, "sk-good", validBody())
	require.Equal(t, http.StatusOK, rec1.Code)
	rec2 := postChat(srv, "sk-good", validBody())
	require.Equal(t, http.StatusOK, rec2.Code)

	rec3 := postChat(srv, "sk-good", validBody())
	require.Equal(t, http.StatusTooManyRequests, rec3.Code)
	require.NotEmpty(t, rec3.Header().Get("Retry-After"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec3.Body.Bytes(), &body))
	require.Equal(t, "rate_limit_exceeded", body.Error.Type)
	require.Equal(t, "req", body.Error.Dimension)
}

// failingLimiter always reports the shared store as unreachable, exercising
// the 503 mapping path without needing a real Redis outage.
type failingLimiter struct{}

func (failingLimiter) Admit(ctx context.Context, credential string, limits ratelimit.Limits, req ratelimit.Request) (ratelimit.Verdict, error) {
	return ratelimit.Verdict{}, ratelimit.NewStoreError(ratelimit.KindStoreUnavailable, errors.New("connection refused"))
}

func (failingLimiter) Reconcile(ctx context.Context, credential string, submitSecond int64, delta int64) error {
	return nil
}

func TestChatCompletions_StoreUnavailableMapsTo503(t *testing.T) {
	srv := newTestServer(t, doc, failingLimiter{})
	rec := postChat(srv, "sk-good", validBody())
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
