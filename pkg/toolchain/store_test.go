package toolchain

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamakiln/kiln/pkg/logging"
)

func linuxCPUSpec(tag string) Spec {
	return Spec{Tag: tag, Variant: VariantCPU, Platform: Platform{OS: "linux", Arch: "amd64"}}
}

// linuxCUDASpec has no published archive, so resolving it always goes
// through the source builder.
func linuxCUDASpec(tag string) Spec {
	return Spec{Tag: tag, Variant: VariantCUDA, Platform: Platform{OS: "linux", Arch: "amd64"}}
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

// releaseServer serves a release archive with the binary nested the way real
// release archives nest it, counting downloads.
type releaseServer struct {
	*httptest.Server
	archive   []byte
	checksum  string
	downloads atomic.Int64
}

func newReleaseServer(t *testing.T, spec Spec) *releaseServer {
	t.Helper()
	rs := &releaseServer{
		archive: makeZip(t, map[string]string{
			"build/bin/" + spec.ExecutableName(): "#!/bin/sh\nexit 0\n",
			"build/bin/libggml.so":               "not a real library",
		}),
	}
	assetPath := fmt.Sprintf("/releases/download/%s/%s", spec.Tag, spec.releaseAsset())
	mux := http.NewServeMux()
	mux.HandleFunc(assetPath, func(w http.ResponseWriter, r *http.Request) {
		rs.downloads.Add(1)
		w.Write(rs.archive)
	})
	mux.HandleFunc(assetPath+".sha256", func(w http.ResponseWriter, r *http.Request) {
		if rs.checksum == "" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprintf(w, "%s  %s\n", rs.checksum, spec.releaseAsset())
	})
	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *releaseServer) archiveDigest() string {
	sum := sha256.Sum256(rs.archive)
	return hex.EncodeToString(sum[:])
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(logging.NullLogger(), t.TempDir(), opts...)
	require.NoError(t, err)
	return store
}

func TestResolveDownloadsAndPromotes(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	store := newTestStore(t, WithReleaseBase(server.URL))

	build, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, spec, build.Spec)
	assert.Equal(t, server.archiveDigest(), build.Digest)
	info, err := os.Stat(build.BinPath)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode().Perm()&0o100, "binary must be executable")

	// The shared library travels with the binary.
	_, err = os.Stat(filepath.Join(filepath.Dir(build.BinPath), "libggml.so"))
	assert.NoError(t, err)

	// No staging directories survive promotion.
	entries, err := os.ReadDir(store.Root())
	require.NoError(t, err)
	for _, entry := range entries {
		assert.False(t, strings.HasPrefix(entry.Name(), "."), "unexpected staging leftover: %s", entry.Name())
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	store := newTestStore(t, WithReleaseBase(server.URL))

	first, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)
	second, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)

	assert.Equal(t, first.BinPath, second.BinPath)
	assert.Equal(t, int64(1), server.downloads.Load())
}

func TestResolveConcurrentSingleDownload(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	store := newTestStore(t, WithReleaseBase(server.URL))

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = store.Resolve(context.Background(), spec)
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), server.downloads.Load())
}

func TestResolveVerifiesPublishedChecksum(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	server.checksum = server.archiveDigest()
	store := newTestStore(t, WithReleaseBase(server.URL))

	_, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)
}

func TestResolveRejectsChecksumMismatch(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	server.checksum = "deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef"
	store := newTestStore(t, WithReleaseBase(server.URL))

	_, err := store.Resolve(context.Background(), spec)
	require.ErrorIs(t, err, ErrIntegrity)

	// A failed resolve leaves nothing cached.
	_, err = store.lookup(spec)
	require.ErrorIs(t, err, ErrNotCached)
}

func TestResolveFallsBackToSourceBuild(t *testing.T) {
	spec := linuxCUDASpec("b1000")
	built := false
	store := newTestStore(t, WithSourceBuilder(func(ctx context.Context, s Spec, destDir string) error {
		built = true
		bin := filepath.Join(destDir, "build", "bin")
		if err := os.MkdirAll(bin, 0o755); err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(bin, s.ExecutableName()), []byte("built"), 0o755)
	}))

	build, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.True(t, built)
	assert.NotEmpty(t, build.Digest, "source builds are digested from the executable")
}

func TestResolveReportsBuildFailure(t *testing.T) {
	store := newTestStore(t, WithSourceBuilder(func(ctx context.Context, s Spec, destDir string) error {
		return fmt.Errorf("cmake not found")
	}))

	_, err := store.Resolve(context.Background(), linuxCUDASpec("b1000"))
	require.ErrorIs(t, err, ErrBuildUnavailable)
}

func TestResolveMissingAssetFallsBackToBuild(t *testing.T) {
	// The server publishes nothing; a 404 on the archive is permanent and
	// routes to the source builder.
	server := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(server.Close)

	built := false
	store := newTestStore(t,
		WithReleaseBase(server.URL),
		WithSourceBuilder(func(ctx context.Context, s Spec, destDir string) error {
			built = true
			return os.WriteFile(filepath.Join(destDir, s.ExecutableName()), []byte("built"), 0o755)
		}),
	)

	_, err := store.Resolve(context.Background(), linuxCPUSpec("b1000"))
	require.NoError(t, err)
	assert.True(t, built)
}

func TestBuildReplacesCachedEntry(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	store := newTestStore(t,
		WithReleaseBase(server.URL),
		WithSourceBuilder(func(ctx context.Context, s Spec, destDir string) error {
			bin := filepath.Join(destDir, "build", "bin")
			if err := os.MkdirAll(bin, 0o755); err != nil {
				return err
			}
			return os.WriteFile(filepath.Join(bin, s.ExecutableName()), []byte("rebuilt"), 0o755)
		}),
	)

	downloaded, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)
	require.Equal(t, server.archiveDigest(), downloaded.Digest)

	rebuilt, err := store.Build(context.Background(), spec)
	require.NoError(t, err)
	assert.NotEqual(t, downloaded.Digest, rebuilt.Digest, "forced build must replace the archive entry")

	data, err := os.ReadFile(rebuilt.BinPath)
	require.NoError(t, err)
	assert.Equal(t, "rebuilt", string(data))

	// Resolve now returns the rebuilt entry without re-downloading.
	again, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)
	assert.Equal(t, rebuilt.Digest, again.Digest)
	assert.Equal(t, int64(1), server.downloads.Load())
}

func TestResolveRejectsInvalidSpec(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Resolve(context.Background(), Spec{Tag: "b1000", Variant: VariantMetal, Platform: Platform{OS: "linux", Arch: "amd64"}})
	require.ErrorIs(t, err, ErrUnsupported)
}

func TestListAndRemove(t *testing.T) {
	specA := linuxCPUSpec("b1000")
	specB := linuxCPUSpec("b2000")
	serverA := newReleaseServer(t, specA)
	store := newTestStore(t, WithReleaseBase(serverA.URL))

	_, err := store.Resolve(context.Background(), specA)
	require.NoError(t, err)

	serverB := newReleaseServer(t, specB)
	storeB, err := NewStore(logging.NullLogger(), store.Root(), WithReleaseBase(serverB.URL))
	require.NoError(t, err)
	_, err = storeB.Resolve(context.Background(), specB)
	require.NoError(t, err)

	builds, err := store.List()
	require.NoError(t, err)
	assert.Len(t, builds, 2)

	require.NoError(t, store.Remove(specA))
	builds, err = store.List()
	require.NoError(t, err)
	assert.Len(t, builds, 1)

	err = store.Remove(specA)
	require.ErrorIs(t, err, ErrNotCached)
}

func TestPurge(t *testing.T) {
	spec := linuxCPUSpec("b1000")
	server := newReleaseServer(t, spec)
	store := newTestStore(t, WithReleaseBase(server.URL))

	_, err := store.Resolve(context.Background(), spec)
	require.NoError(t, err)

	require.NoError(t, store.Purge())
	builds, err := store.List()
	require.NoError(t, err)
	assert.Empty(t, builds)
}

func TestExtractZipRejectsPathTraversal(t *testing.T) {
	archive := makeZip(t, map[string]string{"../evil": "payload"})
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "a.zip")
	require.NoError(t, os.WriteFile(archivePath, archive, 0o644))

	err := extractZip(archivePath, filepath.Join(dir, "out"))
	require.Error(t, err)
}
