package toolchain

import "errors"

var (
	// ErrUnsupported indicates that a spec's platform/backend combination is
	// not recognized.
	ErrUnsupported = errors.New("unsupported toolchain spec")
	// ErrBuildUnavailable indicates that no compatible pre-built archive
	// exists and building from source failed.
	ErrBuildUnavailable = errors.New("no build available for toolchain spec")
	// ErrIntegrity indicates a checksum mismatch on a downloaded archive.
	ErrIntegrity = errors.New("archive integrity verification failed")
	// ErrNotCached indicates that a spec has no cache entry.
	ErrNotCached = errors.New("toolchain not cached")
)
