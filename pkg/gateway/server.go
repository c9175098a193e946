// Package gateway implements the HTTP collaborator described in
// SPEC_FULL.md §4.E: it owns request framing, bearer extraction, JSON
// encoding of the OpenAI envelope, the stub completion generator, and
// mapping limiter/registry outcomes to status codes. It holds no rate
// limiting logic of its own — that is entirely pkg/ratelimit's contract.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/quanta-labs/llm-ratelimiter/pkg/estimator"
	"github.com/quanta-labs/llm-ratelimiter/pkg/ratelimit"
	"github.com/quanta-labs/llm-ratelimiter/pkg/registry"
)

// Server wires the estimator, registry, and limiter behind the §6 HTTP
// contract.
type Server struct {
	nodeID        string
	registry      *registry.Registry
	limiter       ratelimit.Limiter
	windowSeconds int64
	ceiling       int64
	logger        *slog.Logger
	router        *mux.Router
}

// New constructs a Server and its route table.
func New(nodeID string, reg *registry.Registry, limiter ratelimit.Limiter, windowSeconds int64, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		nodeID:        nodeID,
		registry:      reg,
		limiter:       limiter,
		windowSeconds: windowSeconds,
		ceiling:       estimator.DefaultCeiling,
		logger:        logger,
	}
	s.router = mux.NewRouter()
	s.router.Use(recoveryMiddleware(logger))
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/chat/completions", s.handleChatCompletions).Methods(http.MethodPost)
	return s
}

// Router returns the http.Handler to pass to http.Server.
func (s *Server) Router() http.Handler { return s.router }

func recoveryMiddleware(logger *slog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("panic recovered", "error", err, "path", r.URL.Path)
					writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", NodeID: s.nodeID})
}

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	credential, ok := extractBearer(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "missing or malformed Authorization header")
		return
	}

	limits, ok := s.registry.Lookup(credential)
	if !ok {
		writeError(w, http.StatusUnauthorized, "invalid_api_key", "unknown API key")
		return
	}

	var req ChatCompletionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if req.Model == "" || len(req.Messages) == 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "model and a non-empty messages array are required")
		return
	}

	messages := make([]estimator.Message, len(req.Messages))
	for i, m := range req.Messages {
		messages[i] = estimator.Message{Role: m.Role, Content: m.Content}
	}
	inputTokens := estimator.EstimateInputTokens(messages)
	maxOutputTokens := estimator.EstimateMaxOutputTokens(req.MaxTokens, s.ceiling)

	verdict, err := s.limiter.Admit(r.Context(), credential, ratelimit.Limits{
		RPM:  limits.RPM,
		ITPM: limits.ITPM,
		OTPM: limits.OTPM,
	}, ratelimit.Request{InputTokens: inputTokens, EstimatedOutputTokens: maxOutputTokens})
	if err != nil {
		s.writeLimiterError(w, err)
		return
	}
	if !verdict.Allowed() {
		retryAfterMs := verdict.RetryAfter.Milliseconds()
		w.Header().Set("Retry-After", strconv.FormatInt(ceilSeconds(verdict.RetryAfter), 10))
		writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
			Type:         "rate_limit_exceeded",
			Dimension:    verdict.Dimension.String(),
			RetryAfterMs: retryAfterMs,
		}})
		return
	}

	completionTokens := actualOutputTokens(maxOutputTokens)
	delta := completionTokens - maxOutputTokens
	if err := s.limiter.Reconcile(r.Context(), credential, verdict.SubmitSecond, delta); err != nil {
		s.logger.Warn("reconciliation failed, bucket will expire on its own", "error", err, "credential", credential)
	}

	content := buildMockContent(req.Messages, completionTokens)
	resp := ChatCompletionResponse{
		ID:      "chatcmpl-" + uuid.New().String(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   req.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      ChatMessage{Role: "assistant", Content: content},
			FinishReason: "stop",
		}},
		Usage: Usage{
			PromptTokens:     inputTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      inputTokens + completionTokens,
		},
		NodeID: s.nodeID,
		RateLimitState: &RateLimitState{
			RPM:           limits.RPM,
			InputTPM:      limits.ITPM,
			OutputTPM:     limits.OTPM,
			WindowSeconds: s.windowSeconds,
		},
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeLimiterError(w http.ResponseWriter, err error) {
	kind := ratelimit.ClassifyErr(err)
	switch kind {
	case ratelimit.KindStoreUnavailable:
		writeError(w, http.StatusServiceUnavailable, "upstream_unavailable", "shared store unreachable")
	default:
		s.logger.Error("limiter internal error", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func extractBearer(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	if token == "" {
		return "", false
	}
	return token, true
}

func buildMockContent(messages []ChatMessage, completionTokens int64) string {
	lastUser := "Hello"
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" && messages[i].Content != "" {
			lastUser = messages[i].Content
			break
		}
	}
	if len(lastUser) > 120 {
		lastUser = lastUser[:120]
	}
	return fmt.Sprintf("Mock response (%d tokens) to: %s", completionTokens, lastUser)
}

// actualOutputTokens stands in for "real completion generation", which is
// an explicit non-goal: it picks a plausible actual token count at or
// below the estimate so reconciliation has something non-trivial to do.
func actualOutputTokens(estimated int64) int64 {
	if estimated <= 1 {
		return estimated
	}
	return 1 + rand.Int63n(estimated)
}

func ceilSeconds(d time.Duration) int64 {
	secs := int64(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Type: errType, Message: message}})
}
