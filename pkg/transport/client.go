package transport

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/llamakiln/kiln/pkg/logging"
)

// AliveFunc reports whether the server process owning an endpoint is still
// running. It lets the session distinguish a dropped connection (reconnect)
// from a dead process (ErrDisconnected).
type AliveFunc func() bool

// Client opens sessions against engine endpoints.
type Client struct {
	log      logging.Logger
	platform Platform
}

// NewClient creates a transport client for the given platform.
func NewClient(log logging.Logger, platform Platform) *Client {
	return &Client{log: log, platform: platform}
}

// Connect opens a session to the endpoint. alive may be nil, in which case a
// dropped connection is always treated as a disconnect.
func (c *Client) Connect(ctx context.Context, endpoint Endpoint, alive AliveFunc) (*Session, error) {
	s := &Session{
		log:      c.log,
		platform: c.platform,
		endpoint: endpoint,
		alive:    alive,
	}
	if err := s.redial(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Session is one open connection to a running engine process. Calls are
// strictly sequential: each Do writes one complete request and reads one
// complete response, so responses arrive in request order. A session is safe
// for concurrent use, but calls serialize; open multiple sessions for
// parallelism.
type Session struct {
	log      logging.Logger
	platform Platform
	endpoint Endpoint
	alive    AliveFunc

	mu   sync.Mutex
	conn net.Conn
	br   *bufio.Reader
}

// Endpoint returns the endpoint the session is bound to.
func (s *Session) Endpoint() Endpoint {
	return s.endpoint
}

func (s *Session) redial(ctx context.Context) error {
	conn, err := s.platform.Dial(ctx, s.endpoint)
	if err != nil {
		return classifyDialError(err)
	}
	s.conn = conn
	s.br = bufio.NewReader(conn)
	return nil
}

// Do sends one request and reads one complete response. The response body is
// fully read and buffered before Do returns, so the returned response does
// not borrow the session's connection. If the connection dropped but the
// process is still alive, Do transparently reconnects and retries once.
func (s *Session) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(ctx, req)
	if err == nil {
		return resp, nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrProtocol) {
		return nil, err
	}

	// The connection dropped mid-call. Reconnect if the process survived.
	s.closeLocked()
	if s.alive != nil && !s.alive() {
		return nil, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	if redialErr := s.redial(ctx); redialErr != nil {
		if s.alive != nil && !s.alive() {
			return nil, fmt.Errorf("%w: %v", ErrDisconnected, redialErr)
		}
		return nil, redialErr
	}
	return s.roundTrip(ctx, req)
}

func (s *Session) roundTrip(ctx context.Context, req *http.Request) (*http.Response, error) {
	if s.conn == nil {
		if err := s.redial(ctx); err != nil {
			return nil, err
		}
	}

	deadline := time.Time{}
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := s.conn.SetDeadline(deadline); err != nil {
		return nil, err
	}

	// The engine speaks HTTP regardless of channel; it only cares that a
	// Host header is present.
	out := req.Clone(ctx)
	out.Host = "localhost"
	out.URL.Scheme = "http"
	out.URL.Host = "localhost"

	if err := out.Write(s.conn); err != nil {
		return nil, classifyIOError(err)
	}
	resp, err := http.ReadResponse(s.br, out)
	if err != nil {
		return nil, classifyIOError(err)
	}
	body, err := io.ReadAll(resp.Body)
	closeErr := resp.Body.Close()
	if err != nil {
		return nil, classifyIOError(err)
	}
	if closeErr != nil {
		return nil, classifyIOError(closeErr)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	return resp, nil
}

// Close releases the session's connection. The session may not be reused.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeLocked()
}

func (s *Session) closeLocked() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.br = nil
	return err
}

func classifyDialError(err error) error {
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ENOENT) {
		return fmt.Errorf("%w: %v", ErrConnectionRefused, err)
	}
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

func classifyIOError(err error) error {
	if isTimeout(err) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	// Connection-level failures surface as net.OpError, EOF or syscall
	// errors and are left unwrapped so the caller can reconnect; anything
	// else is a malformed response.
	var opErr *net.OpError
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) ||
		errors.As(err, &opErr) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrProtocol, err)
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout())
}
