package gateway

// ChatMessage is one entry in a chat completion request's messages array.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatCompletionRequest is the validated shape of the request body for
// POST /v1/chat/completions, per spec.md §9: unknown extra fields are
// ignored by encoding/json's default decoding behaviour.
type ChatCompletionRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens *int64        `json:"max_tokens,omitempty"`
}

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Choice mirrors a single OpenAI completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// RateLimitState reports the credential's configured caps alongside a
// successful response; part of the supplemented rate_limit_state block
// (see SPEC_FULL.md §9). It deliberately does not report live usage
// totals: the Verdict contract in pkg/ratelimit (spec.md §4.B/§4.C) never
// exposes the post-admission aggregate on an allow, only a SubmitSecond to
// reconcile against, so there is nothing to report here beyond the caps
// themselves without widening that contract.
type RateLimitState struct {
	RPM           int64 `json:"rpm"`
	InputTPM      int64 `json:"input_tpm"`
	OutputTPM     int64 `json:"output_tpm"`
	WindowSeconds int64 `json:"window_seconds"`
}

// ChatCompletionResponse is the OpenAI-shaped envelope returned on 200.
type ChatCompletionResponse struct {
	ID             string          `json:"id"`
	Object         string          `json:"object"`
	Created        int64           `json:"created"`
	Model          string          `json:"model"`
	Choices        []Choice        `json:"choices"`
	Usage          Usage           `json:"usage"`
	NodeID         string          `json:"node_id,omitempty"`
	RateLimitState *RateLimitState `json:"rate_limit_state,omitempty"`
}

// ErrorBody is the envelope for every non-200 response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error type plus denial-specific fields.
type ErrorDetail struct {
	Type         string `json:"type"`
	Message      string `json:"message,omitempty"`
	Dimension    string `json:"dimension,omitempty"`
	RetryAfterMs int64  `json:"retry_after_ms,omitempty"`
}

// HealthResponse is the body for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
	NodeID string `json:"node_id"`
}
