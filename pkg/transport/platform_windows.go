package transport

import (
	"context"
	"fmt"
	"net"

	"github.com/Microsoft/go-winio"
	"github.com/google/uuid"
)

type pipePlatform struct {
	dialer net.Dialer
}

// NewPlatform returns the transport platform for this OS. runtimeDir is
// unused on Windows since named pipes live in the pipe namespace.
func NewPlatform(runtimeDir string) (Platform, error) {
	return &pipePlatform{}, nil
}

func (p *pipePlatform) Preferred() Kind {
	return KindPipe
}

func (p *pipePlatform) Supports(kind Kind) bool {
	return kind == KindPipe || kind == KindTCP
}

func (p *pipePlatform) NewEndpoint(kind Kind) (Endpoint, error) {
	switch kind {
	case KindPipe:
		name := fmt.Sprintf(`\\.\pipe\kiln-engine-%s`, uuid.NewString()[:8])
		return Endpoint{Kind: KindPipe, Address: name}, nil
	case KindTCP:
		return allocLoopback()
	default:
		return Endpoint{}, fmt.Errorf("transport kind %s not supported on this platform", kind)
	}
}

func (p *pipePlatform) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	switch endpoint.Kind {
	case KindPipe:
		return winio.DialPipeContext(ctx, endpoint.Address)
	case KindTCP:
		return p.dialer.DialContext(ctx, "tcp", endpoint.Address)
	default:
		return nil, fmt.Errorf("transport kind %s not supported on this platform", endpoint.Kind)
	}
}

func (p *pipePlatform) Cleanup(endpoint Endpoint) error {
	// The pipe namespace cleans up after the owning process exits.
	return nil
}
