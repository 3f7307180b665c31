package engineapi

import (
	"context"
	"fmt"
	"net/http"
)

// Completion generates a continuation of the request prompt.
func (c *Client) Completion(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if req.Prompt == "" {
		return CompletionResponse{}, fmt.Errorf("%w: empty prompt", ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return CompletionResponse{}, fmt.Errorf("%w: negative max tokens", ErrInvalidRequest)
	}
	var resp CompletionResponse
	err := c.do(ctx, http.MethodPost, "/completion", req, &resp)
	return resp, err
}

// Infill generates text between the request prefix and suffix.
func (c *Client) Infill(ctx context.Context, req InfillRequest) (InfillResponse, error) {
	if req.Prefix == "" && req.Suffix == "" {
		return InfillResponse{}, fmt.Errorf("%w: empty prefix and suffix", ErrInvalidRequest)
	}
	if req.MaxTokens < 0 {
		return InfillResponse{}, fmt.Errorf("%w: negative max tokens", ErrInvalidRequest)
	}
	var resp InfillResponse
	err := c.do(ctx, http.MethodPost, "/infill", req, &resp)
	return resp, err
}

// Embeddings returns one vector per input, in input order. The engine
// processes one input per call, so inputs are sent sequentially over the
// session.
func (c *Client) Embeddings(ctx context.Context, req EmbeddingsRequest) (EmbeddingsResponse, error) {
	if len(req.Inputs) == 0 {
		return EmbeddingsResponse{}, fmt.Errorf("%w: no inputs", ErrInvalidRequest)
	}
	for i, input := range req.Inputs {
		if input == "" {
			return EmbeddingsResponse{}, fmt.Errorf("%w: empty input at index %d", ErrInvalidRequest, i)
		}
	}
	var resp EmbeddingsResponse
	for _, input := range req.Inputs {
		var emb Embedding
		body := struct {
			Content string `json:"content"`
		}{Content: input}
		if err := c.do(ctx, http.MethodPost, "/embedding", body, &emb); err != nil {
			return EmbeddingsResponse{}, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

// Tokenize converts text into the model's token id sequence.
func (c *Client) Tokenize(ctx context.Context, req TokenizeRequest) (TokenizeResponse, error) {
	if req.Content == "" {
		return TokenizeResponse{}, fmt.Errorf("%w: empty content", ErrInvalidRequest)
	}
	var resp TokenizeResponse
	err := c.do(ctx, http.MethodPost, "/tokenize", req, &resp)
	return resp, err
}

// Detokenize converts a token id sequence back into text.
func (c *Client) Detokenize(ctx context.Context, req DetokenizeRequest) (DetokenizeResponse, error) {
	if len(req.Tokens) == 0 {
		return DetokenizeResponse{}, fmt.Errorf("%w: empty token sequence", ErrInvalidRequest)
	}
	for _, tok := range req.Tokens {
		if tok < 0 {
			return DetokenizeResponse{}, fmt.Errorf("%w: negative token id %d", ErrInvalidRequest, tok)
		}
	}
	var resp DetokenizeResponse
	err := c.do(ctx, http.MethodPost, "/detokenize", req, &resp)
	return resp, err
}

// Props reports model and server metadata.
func (c *Client) Props(ctx context.Context) (Props, error) {
	var resp Props
	err := c.do(ctx, http.MethodGet, "/props", nil, &resp)
	return resp, err
}

// Health reports the engine's liveness/readiness state. Unlike the typed
// endpoints, a 503 during model loading is a valid answer, not an error.
func (c *Client) Health(ctx context.Context) (Status, error) {
	var resp Status
	err := c.do(ctx, http.MethodGet, "/health", nil, &resp)
	if err != nil {
		var serverErr *ServerError
		if asServerError(err, &serverErr) && serverErr.StatusCode == http.StatusServiceUnavailable {
			return Status{State: HealthLoading}, nil
		}
		return Status{}, err
	}
	if resp.State == "" {
		resp.State = HealthReady
	}
	return resp, nil
}
