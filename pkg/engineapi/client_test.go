//go:build !windows

package engineapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/transport"
)

// fakeEngine emulates the engine's HTTP surface on a unix socket.
func fakeEngine(t *testing.T, mux *http.ServeMux) *Client {
	t.Helper()
	sock := filepath.Join(t.TempDir(), "engine.sock")
	ln, err := net.Listen("unix", sock)
	require.NoError(t, err)
	server := &http.Server{Handler: mux}
	go server.Serve(ln)
	t.Cleanup(func() { server.Close() })

	platform, err := transport.NewPlatform(t.TempDir())
	require.NoError(t, err)
	session, err := transport.NewClient(logging.NullLogger(), platform).
		Connect(context.Background(), transport.Endpoint{Kind: transport.KindUnix, Address: sock}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })
	return New(session)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func TestCompletion(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		var req CompletionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "tell me", req.Prompt)
		writeJSON(w, map[string]any{
			"content":          " a story",
			"stopped_eos":      true,
			"tokens_predicted": 3,
			"tokens_evaluated": 2,
		})
	})
	client := fakeEngine(t, mux)

	resp, err := client.Completion(context.Background(), CompletionRequest{Prompt: "tell me", MaxTokens: 16})
	require.NoError(t, err)
	assert.Equal(t, " a story", resp.Content)
	assert.True(t, resp.StoppedEOS)
	assert.Equal(t, 3, resp.Predicted)
}

func TestCompletionValidation(t *testing.T) {
	client := fakeEngine(t, http.NewServeMux())

	_, err := client.Completion(context.Background(), CompletionRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)

	_, err = client.Completion(context.Background(), CompletionRequest{Prompt: "x", MaxTokens: -1})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestCompletionWirePayloadOmitsZeroSampling(t *testing.T) {
	var captured map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		writeJSON(w, map[string]any{"content": "ok"})
	})
	client := fakeEngine(t, mux)

	_, err := client.Completion(context.Background(), CompletionRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Contains(t, captured, "prompt")
	assert.NotContains(t, captured, "temperature")
	assert.NotContains(t, captured, "n_predict")
	assert.NotContains(t, captured, "seed")
}

func TestInfill(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/infill", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "func add(", body["input_prefix"])
		assert.Equal(t, "}", body["input_suffix"])
		writeJSON(w, map[string]any{"content": "a, b int) int {\n\treturn a + b\n"})
	})
	client := fakeEngine(t, mux)

	resp, err := client.Infill(context.Background(), InfillRequest{Prefix: "func add(", Suffix: "}"})
	require.NoError(t, err)
	assert.Contains(t, resp.Content, "return a + b")

	_, err = client.Infill(context.Background(), InfillRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestEmbeddingsSequential(t *testing.T) {
	var mu sync.Mutex
	var order []string
	mux := http.NewServeMux()
	mux.HandleFunc("/embedding", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Content string `json:"content"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		order = append(order, body.Content)
		n := len(order)
		mu.Unlock()
		writeJSON(w, map[string]any{"embedding": []float64{float64(n), 0.5}})
	})
	client := fakeEngine(t, mux)

	resp, err := client.Embeddings(context.Background(), EmbeddingsRequest{Inputs: []string{"one", "two", "three"}})
	require.NoError(t, err)
	require.Len(t, resp.Embeddings, 3)
	mu.Lock()
	assert.Equal(t, []string{"one", "two", "three"}, order)
	mu.Unlock()
	assert.Equal(t, []float64{1, 0.5}, resp.Embeddings[0].Vector)

	_, err = client.Embeddings(context.Background(), EmbeddingsRequest{})
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = client.Embeddings(context.Background(), EmbeddingsRequest{Inputs: []string{"ok", ""}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestTokenizeRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/tokenize", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"tokens": []int32{1, 15043, 3186}})
	})
	mux.HandleFunc("/detokenize", func(w http.ResponseWriter, r *http.Request) {
		var req DetokenizeRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, []int32{1, 15043, 3186}, req.Tokens)
		writeJSON(w, map[string]any{"content": "hello world"})
	})
	client := fakeEngine(t, mux)

	tok, err := client.Tokenize(context.Background(), TokenizeRequest{Content: "hello world"})
	require.NoError(t, err)
	require.Len(t, tok.Tokens, 3)

	detok, err := client.Detokenize(context.Background(), DetokenizeRequest{Tokens: tok.Tokens})
	require.NoError(t, err)
	assert.Equal(t, "hello world", detok.Content)

	_, err = client.Detokenize(context.Background(), DetokenizeRequest{Tokens: []int32{-4}})
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestProps(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{
			"default_generation_settings": map[string]any{"model": "test-7b", "n_ctx": 4096},
			"total_slots":                 2,
		})
	})
	client := fakeEngine(t, mux)

	props, err := client.Props(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test-7b", props.DefaultGenerationSettings.Model)
	assert.Equal(t, uint64(4096), props.DefaultGenerationSettings.NCtx)
	assert.Equal(t, 2, props.TotalSlots)
}

func TestHealthStates(t *testing.T) {
	state := "ok"
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if state == "loading" {
			w.WriteHeader(http.StatusServiceUnavailable)
			writeJSON(w, map[string]any{"error": map[string]any{"code": 503, "message": "Loading model", "type": "unavailable_error"}})
			return
		}
		writeJSON(w, map[string]any{"status": state})
	})
	client := fakeEngine(t, mux)

	status, err := client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthReady, status.State)

	// A 503 while the model loads is a valid loading answer, not an error.
	state = "loading"
	status, err = client.Health(context.Background())
	require.NoError(t, err)
	assert.Equal(t, HealthLoading, status.State)
}

func TestServerErrorDecoding(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		writeJSON(w, map[string]any{"error": map[string]any{
			"code": 400, "message": "context shift is disabled", "type": "invalid_request_error",
		}})
	})
	client := fakeEngine(t, mux)

	_, err := client.Completion(context.Background(), CompletionRequest{Prompt: "p"})
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusBadRequest, serverErr.StatusCode)
	assert.Equal(t, "context shift is disabled", serverErr.Message)
	assert.Equal(t, "invalid_request_error", serverErr.Type)
}

func TestServerErrorBareBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/completion", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "internal failure", http.StatusInternalServerError)
	})
	client := fakeEngine(t, mux)

	_, err := client.Completion(context.Background(), CompletionRequest{Prompt: "p"})
	var serverErr *ServerError
	require.ErrorAs(t, err, &serverErr)
	assert.Equal(t, http.StatusInternalServerError, serverErr.StatusCode)
	assert.Equal(t, "internal failure", serverErr.Message)
}

func TestProtocolErrorOnMalformedBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/props", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not json")
	})
	client := fakeEngine(t, mux)

	_, err := client.Props(context.Background())
	require.ErrorIs(t, err, transport.ErrProtocol)
}
