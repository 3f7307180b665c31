package toolchain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/llamakiln/kiln/pkg/retry"
)

// errNoAsset indicates that no pre-built archive is published for a spec and
// the resolver should fall back to a source build.
var errNoAsset = errors.New("no pre-built archive published")

// fetchArchive downloads and extracts the pre-built release archive for spec
// into destDir, returning the archive's sha256 digest. Transient network
// failures are retried a bounded number of times; a missing asset is
// permanent and reported as errNoAsset.
func (s *Store) fetchArchive(ctx context.Context, spec Spec, destDir string) (string, error) {
	asset := spec.releaseAsset()
	if asset == "" {
		return "", errNoAsset
	}
	url := fmt.Sprintf("%s/releases/download/%s/%s", s.releaseBase, spec.Tag, asset)
	archivePath := filepath.Join(destDir, asset)

	err := retry.Do(ctx, retry.Transient, func() error {
		return s.downloadFile(ctx, url, archivePath)
	})
	if err != nil {
		return "", err
	}

	digest, err := fileDigest(archivePath)
	if err != nil {
		return "", fmt.Errorf("hashing archive: %w", err)
	}

	if expected, ok := s.fetchChecksum(ctx, url+".sha256"); ok && expected != digest {
		return "", fmt.Errorf("%w: %s: got %s, want %s", ErrIntegrity, asset, digest, expected)
	}

	if err := extractZip(archivePath, destDir); err != nil {
		return "", fmt.Errorf("extracting %s: %w", asset, err)
	}
	if err := os.Remove(archivePath); err != nil {
		return "", fmt.Errorf("removing archive after extraction: %w", err)
	}
	return digest, nil
}

func (s *Store) downloadFile(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return retry.Permanent(err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return retry.Permanent(fmt.Errorf("%w: %s", errNoAsset, url))
	case resp.StatusCode >= 500:
		return fmt.Errorf("downloading %s: status %d", url, resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("downloading %s: status %d", url, resp.StatusCode))
	}

	f, err := os.Create(dest)
	if err != nil {
		return retry.Permanent(err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(dest)
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return f.Close()
}

// fetchChecksum retrieves a published sha256 next to the asset. Not every
// release publishes one; absence skips enforcement (the computed digest is
// still recorded in the cache entry).
func (s *Store) fetchChecksum(ctx context.Context, url string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", false
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if err != nil {
		return "", false
	}
	// Accept both "<hex>" and "<hex>  <filename>" formats.
	fields := strings.Fields(string(body))
	if len(fields) == 0 || len(fields[0]) != sha256.Size*2 {
		return "", false
	}
	return strings.ToLower(fields[0]), true
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
