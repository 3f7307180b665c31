// Package transport provides the local channel between kiln and a running
// engine process. The channel differs by platform: Unix domain sockets on
// Linux and macOS, named pipes on Windows, loopback TCP everywhere as a
// fallback. The platform choice lives behind the Platform interface so call
// sites never branch on the OS inline.
package transport

import (
	"context"
	"errors"
	"net"
)

// Kind identifies a local channel flavor.
type Kind string

const (
	// KindUnix is a Unix domain socket.
	KindUnix Kind = "unix"
	// KindPipe is a Windows named pipe.
	KindPipe Kind = "pipe"
	// KindTCP is loopback TCP, the universal fallback.
	KindTCP Kind = "tcp"
)

// ParseKind parses a user-supplied transport name.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case KindUnix, KindPipe, KindTCP:
		return k, nil
	default:
		return "", errors.New("unknown transport kind " + s)
	}
}

// Endpoint is a bound transport address: a socket path, a pipe name, or a
// loopback host:port.
type Endpoint struct {
	Kind    Kind   `json:"kind"`
	Address string `json:"address"`
}

func (e Endpoint) String() string {
	return string(e.Kind) + "://" + e.Address
}

var (
	// ErrConnectionRefused indicates the endpoint exists but nothing accepts
	// connections on it.
	ErrConnectionRefused = errors.New("connection refused")
	// ErrTimeout indicates a call exceeded the caller's deadline.
	ErrTimeout = errors.New("transport call timed out")
	// ErrProtocol indicates a malformed or unexpected response shape.
	ErrProtocol = errors.New("protocol error")
	// ErrDisconnected indicates the owning process is gone, as opposed to a
	// transiently dropped connection.
	ErrDisconnected = errors.New("server process disconnected")
)

// Platform abstracts the platform-conditional transport choice. One
// implementation exists per platform, selected at startup.
type Platform interface {
	// Preferred returns the fastest channel kind available on this platform.
	Preferred() Kind
	// Supports reports whether the platform can use the given kind.
	Supports(kind Kind) bool
	// NewEndpoint allocates a fresh, collision-avoided endpoint of the given
	// kind. The endpoint is not bound; the engine process binds it at launch.
	NewEndpoint(kind Kind) (Endpoint, error)
	// Dial opens one connection to a bound endpoint.
	Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error)
	// Cleanup removes any filesystem residue of the endpoint (socket files).
	// It is safe to call on endpoints that were never bound.
	Cleanup(endpoint Endpoint) error
}

// allocLoopback reserves a free loopback port by binding and immediately
// releasing it. The small race with other port consumers is tolerated; a
// losing launch surfaces as an endpoint-unavailable error and can be retried.
func allocLoopback() (Endpoint, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return Endpoint{}, err
	}
	addr := l.Addr().String()
	if err := l.Close(); err != nil {
		return Endpoint{}, err
	}
	return Endpoint{Kind: KindTCP, Address: addr}, nil
}
