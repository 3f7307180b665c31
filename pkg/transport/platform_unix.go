//go:build !windows

package transport

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type unixPlatform struct {
	runtimeDir string
	dialer     net.Dialer
}

// NewPlatform returns the transport platform for this OS. runtimeDir is the
// transient directory socket files are created under.
func NewPlatform(runtimeDir string) (Platform, error) {
	if err := os.MkdirAll(runtimeDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating runtime directory: %w", err)
	}
	return &unixPlatform{runtimeDir: runtimeDir}, nil
}

func (p *unixPlatform) Preferred() Kind {
	return KindUnix
}

func (p *unixPlatform) Supports(kind Kind) bool {
	return kind == KindUnix || kind == KindTCP
}

func (p *unixPlatform) NewEndpoint(kind Kind) (Endpoint, error) {
	switch kind {
	case KindUnix:
		// A random suffix keeps concurrent instances collision-free.
		name := fmt.Sprintf("engine-%s.sock", uuid.NewString()[:8])
		return Endpoint{Kind: KindUnix, Address: filepath.Join(p.runtimeDir, name)}, nil
	case KindTCP:
		return allocLoopback()
	default:
		return Endpoint{}, fmt.Errorf("transport kind %s not supported on this platform", kind)
	}
}

func (p *unixPlatform) Dial(ctx context.Context, endpoint Endpoint) (net.Conn, error) {
	switch endpoint.Kind {
	case KindUnix:
		return p.dialer.DialContext(ctx, "unix", endpoint.Address)
	case KindTCP:
		return p.dialer.DialContext(ctx, "tcp", endpoint.Address)
	default:
		return nil, fmt.Errorf("transport kind %s not supported on this platform", endpoint.Kind)
	}
}

func (p *unixPlatform) Cleanup(endpoint Endpoint) error {
	if endpoint.Kind != KindUnix {
		return nil
	}
	if err := os.Remove(endpoint.Address); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
