// Package engineapi exposes the engine's wire protocol as typed
// request/response pairs over a transport session. Requests are validated
// before send; structured error bodies are decoded into typed errors.
package engineapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/llamakiln/kiln/pkg/transport"
)

// Client issues typed endpoint calls through one transport session.
type Client struct {
	session *transport.Session
}

// New wraps a connected session.
func New(session *transport.Session) *Client {
	return &Client{session: session}
}

// Close releases the underlying session.
func (c *Client) Close() error {
	return c.session.Close()
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader = http.NoBody
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.session.Do(ctx, req)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: reading response body: %v", transport.ErrProtocol, err)
	}

	if resp.StatusCode != http.StatusOK {
		return decodeServerError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decoding %s response: %v", transport.ErrProtocol, path, err)
	}
	return nil
}

// decodeServerError decodes the engine's structured error body when present,
// falling back to a bare status error.
func decodeServerError(status int, data []byte) error {
	var wrapped struct {
		Error ServerError `json:"error"`
	}
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Error.Message != "" {
		wrapped.Error.StatusCode = status
		return &wrapped.Error
	}
	return &ServerError{StatusCode: status, Message: string(bytes.TrimSpace(data))}
}
