package engineapi

// SamplingParams mirrors the engine's sampling flags. Zero values are
// omitted from the wire request so the engine applies its own defaults.
type SamplingParams struct {
	Temperature      float64            `json:"temperature,omitempty"`
	TopK             int                `json:"top_k,omitempty"`
	TopP             float64            `json:"top_p,omitempty"`
	MinP             float64            `json:"min_p,omitempty"`
	RepeatPenalty    float64            `json:"repeat_penalty,omitempty"`
	RepeatLastN      int                `json:"repeat_last_n,omitempty"`
	PresencePenalty  float64            `json:"presence_penalty,omitempty"`
	FrequencyPenalty float64            `json:"frequency_penalty,omitempty"`
	Mirostat         int                `json:"mirostat,omitempty"`
	MirostatTau      float64            `json:"mirostat_tau,omitempty"`
	MirostatEta      float64            `json:"mirostat_eta,omitempty"`
	Seed             *int64             `json:"seed,omitempty"`
	Grammar          string             `json:"grammar,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	LogitBias        map[string]float64 `json:"logit_bias,omitempty"`
	NProbs           int                `json:"n_probs,omitempty"`
}

// CompletionRequest asks the engine to continue a prompt.
type CompletionRequest struct {
	Prompt string `json:"prompt"`
	// MaxTokens bounds the number of generated tokens. Zero lets the engine
	// decide; negative is rejected before send.
	MaxTokens   int  `json:"n_predict,omitempty"`
	CachePrompt bool `json:"cache_prompt,omitempty"`
	SamplingParams
}

// TokenUsage reports token accounting for a generation.
type TokenUsage struct {
	Predicted int `json:"tokens_predicted"`
	Evaluated int `json:"tokens_evaluated"`
	Cached    int `json:"tokens_cached"`
}

// CompletionResponse is the engine's answer to a completion request.
type CompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	// StoppedEOS, StoppedWord and StoppedLimit report why generation ended.
	StoppedEOS   bool   `json:"stopped_eos"`
	StoppedWord  bool   `json:"stopped_word"`
	StoppedLimit bool   `json:"stopped_limit"`
	StoppingWord string `json:"stopping_word"`
	TokenUsage
}

// InfillRequest asks the engine to fill between a prefix and a suffix.
type InfillRequest struct {
	Prefix    string `json:"input_prefix"`
	Suffix    string `json:"input_suffix"`
	MaxTokens int    `json:"n_predict,omitempty"`
	SamplingParams
}

// InfillResponse is the engine's answer to an infill request.
type InfillResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	TokenUsage
}

// EmbeddingsRequest asks for embedding vectors of one or more inputs.
type EmbeddingsRequest struct {
	Inputs []string
}

// Embedding is one embedding vector.
type Embedding struct {
	Vector []float64 `json:"embedding"`
}

// EmbeddingsResponse carries one vector per requested input, in order.
type EmbeddingsResponse struct {
	Embeddings []Embedding
}

// TokenizeRequest asks for the token ids of a text.
type TokenizeRequest struct {
	Content string `json:"content"`
}

// TokenizeResponse carries the token id sequence.
type TokenizeResponse struct {
	Tokens []int32 `json:"tokens"`
}

// DetokenizeRequest asks for the text of a token id sequence.
type DetokenizeRequest struct {
	Tokens []int32 `json:"tokens"`
}

// DetokenizeResponse carries the reconstructed text.
type DetokenizeResponse struct {
	Content string `json:"content"`
}

// Props reports model and server metadata.
type Props struct {
	DefaultGenerationSettings struct {
		Model string `json:"model"`
		NCtx  uint64 `json:"n_ctx"`
	} `json:"default_generation_settings"`
	TotalSlots   int    `json:"total_slots"`
	ChatTemplate string `json:"chat_template"`
}

// HealthState is the engine's liveness/readiness state.
type HealthState string

const (
	// HealthReady means the engine accepts and answers typed requests.
	HealthReady HealthState = "ok"
	// HealthLoading means the process is up but the model is still loading.
	HealthLoading HealthState = "loading"
	// HealthError means the engine reported an unrecoverable error.
	HealthError HealthState = "error"
)

// Status is the engine's health report, independent of the typed endpoints.
type Status struct {
	State HealthState `json:"status"`
}
