// Package toolchain acquires and caches builds of the inference engine. Each
// cache entry is keyed by (release tag, backend variant, platform), written
// to a temporary directory first and atomically renamed into place, so
// concurrent resolvers never observe a half-written build. Entries are
// immutable after promotion; eviction is manual.
package toolchain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"golang.org/x/sync/singleflight"

	"github.com/llamakiln/kiln/pkg/logging"
)

const (
	// DefaultReleaseBase is the project releases are downloaded from.
	DefaultReleaseBase = "https://github.com/ggml-org/llama.cpp"

	specFileName    = "spec.json"
	versionFileName = "version"
	digestFileName  = "checksum"

	lockRetryInterval = 100 * time.Millisecond
)

// CachedBuild is one verified, executable cache entry.
type CachedBuild struct {
	Spec Spec `json:"spec"`
	// BinPath is the absolute path of the engine executable.
	BinPath string `json:"binPath"`
	// Digest is the sha256 of the archive the entry was built from, or of
	// the executable for source builds.
	Digest string `json:"digest"`
	// CreatedAt records when the entry was promoted.
	CreatedAt time.Time `json:"createdAt"`
}

// SourceBuilder builds the engine from source for spec, leaving the finished
// tree (including the server executable) under destDir.
type SourceBuilder func(ctx context.Context, spec Spec, destDir string) error

// Store maps specs to cached builds on disk.
type Store struct {
	log         logging.Logger
	root        string
	httpClient  *http.Client
	releaseBase string
	builder     SourceBuilder
	group       singleflight.Group
}

// Option configures a Store.
type Option func(*Store)

// WithHTTPClient overrides the HTTP client used for downloads.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Store) { s.httpClient = c }
}

// WithReleaseBase overrides the release download base URL.
func WithReleaseBase(base string) Option {
	return func(s *Store) { s.releaseBase = strings.TrimRight(base, "/") }
}

// WithSourceBuilder overrides the source build step.
func WithSourceBuilder(b SourceBuilder) Option {
	return func(s *Store) { s.builder = b }
}

// NewStore opens (creating if needed) the cache rooted at root.
func NewStore(log logging.Logger, root string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating toolchain cache root: %w", err)
	}
	s := &Store{
		log:         log,
		root:        root,
		httpClient:  http.DefaultClient,
		releaseBase: DefaultReleaseBase,
	}
	s.builder = s.buildFromSource
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Root returns the cache root directory.
func (s *Store) Root() string {
	return s.root
}

// Resolve returns the cached build for spec, downloading or building it on
// first need. Concurrent calls for the same spec, in this process or others,
// perform the work exactly once.
func (s *Store) Resolve(ctx context.Context, spec Spec) (CachedBuild, error) {
	if err := spec.Validate(); err != nil {
		return CachedBuild{}, err
	}
	v, err, _ := s.group.Do(spec.dirName(), func() (interface{}, error) {
		return s.resolve(ctx, spec)
	})
	if err != nil {
		return CachedBuild{}, err
	}
	return v.(CachedBuild), nil
}

func (s *Store) resolve(ctx context.Context, spec Spec) (CachedBuild, error) {
	if build, err := s.lookup(spec); err == nil {
		return build, nil
	}

	// Serialize resolution of this spec across processes. Other specs keep
	// resolving in parallel since the lock name embeds the spec key.
	lock := flock.New(filepath.Join(s.root, spec.dirName()+".lock"))
	if _, err := lock.TryLockContext(ctx, lockRetryInterval); err != nil {
		return CachedBuild{}, fmt.Errorf("acquiring toolchain lock for %s: %w", spec, err)
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			s.log.Warnf("failed to release toolchain lock for %s: %v", spec, err)
		}
	}()

	// Another process may have promoted the entry while we waited.
	if build, err := s.lookup(spec); err == nil {
		return build, nil
	}

	tmpDir, err := os.MkdirTemp(s.root, "."+spec.dirName()+"-")
	if err != nil {
		return CachedBuild{}, fmt.Errorf("creating staging directory: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	digest, err := s.fetchArchive(ctx, spec, tmpDir)
	if errors.Is(err, errNoAsset) {
		s.log.Infof("no pre-built archive for %s, building from source", spec)
		if buildErr := s.builder(ctx, spec, tmpDir); buildErr != nil {
			return CachedBuild{}, fmt.Errorf("%w: %v", ErrBuildUnavailable, buildErr)
		}
		digest = ""
	} else if err != nil {
		return CachedBuild{}, err
	}

	build, err := s.promote(spec, tmpDir, digest)
	if err != nil {
		return CachedBuild{}, err
	}
	s.log.Infof("toolchain %s ready at %s", spec, build.BinPath)
	return build, nil
}

// promote finalizes a staged entry and renames it into place.
func (s *Store) promote(spec Spec, tmpDir, digest string) (CachedBuild, error) {
	binPath, err := findExecutable(tmpDir, spec.ExecutableName())
	if err != nil {
		return CachedBuild{}, fmt.Errorf("%w: %v", ErrBuildUnavailable, err)
	}
	if spec.Platform.OS != "windows" {
		if err := os.Chmod(binPath, 0o755); err != nil {
			return CachedBuild{}, fmt.Errorf("marking executable: %w", err)
		}
	}
	if digest == "" {
		if digest, err = fileDigest(binPath); err != nil {
			return CachedBuild{}, fmt.Errorf("hashing executable: %w", err)
		}
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return CachedBuild{}, err
	}
	for name, data := range map[string]string{
		specFileName:    string(specJSON),
		versionFileName: spec.Tag,
		digestFileName:  digest,
	} {
		if err := os.WriteFile(filepath.Join(tmpDir, name), []byte(data), 0o644); err != nil {
			return CachedBuild{}, fmt.Errorf("writing %s: %w", name, err)
		}
	}

	entryDir := filepath.Join(s.root, spec.dirName())
	if err := os.Rename(tmpDir, entryDir); err != nil {
		// A concurrent resolver on another host path may have won the rename
		// despite the lock (e.g. lock file removed by purge). Fall back to
		// the promoted entry if it is usable.
		if build, lookupErr := s.lookup(spec); lookupErr == nil {
			return build, nil
		}
		return CachedBuild{}, fmt.Errorf("promoting toolchain entry: %w", err)
	}
	return s.lookup(spec)
}

// lookup returns the promoted entry for spec, or ErrNotCached.
func (s *Store) lookup(spec Spec) (CachedBuild, error) {
	entryDir := filepath.Join(s.root, spec.dirName())
	version, err := os.ReadFile(filepath.Join(entryDir, versionFileName))
	if err != nil {
		return CachedBuild{}, fmt.Errorf("%w: %s", ErrNotCached, spec)
	}
	if strings.TrimSpace(string(version)) != spec.Tag {
		return CachedBuild{}, fmt.Errorf("%w: %s (stale version file)", ErrNotCached, spec)
	}
	binPath, err := findExecutable(entryDir, spec.ExecutableName())
	if err != nil {
		return CachedBuild{}, fmt.Errorf("%w: %s", ErrNotCached, spec)
	}
	digest, _ := os.ReadFile(filepath.Join(entryDir, digestFileName))
	info, err := os.Stat(entryDir)
	if err != nil {
		return CachedBuild{}, err
	}
	return CachedBuild{
		Spec:      spec,
		BinPath:   binPath,
		Digest:    strings.TrimSpace(string(digest)),
		CreatedAt: info.ModTime(),
	}, nil
}

// Build compiles spec from source even when a pre-built archive exists,
// replacing any cached entry for it.
func (s *Store) Build(ctx context.Context, spec Spec) (CachedBuild, error) {
	if err := spec.Validate(); err != nil {
		return CachedBuild{}, err
	}
	v, err, _ := s.group.Do("build:"+spec.dirName(), func() (interface{}, error) {
		lock := flock.New(filepath.Join(s.root, spec.dirName()+".lock"))
		if _, err := lock.TryLockContext(ctx, lockRetryInterval); err != nil {
			return CachedBuild{}, fmt.Errorf("acquiring toolchain lock for %s: %w", spec, err)
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				s.log.Warnf("failed to release toolchain lock for %s: %v", spec, err)
			}
		}()

		tmpDir, err := os.MkdirTemp(s.root, "."+spec.dirName()+"-")
		if err != nil {
			return CachedBuild{}, fmt.Errorf("creating staging directory: %w", err)
		}
		defer os.RemoveAll(tmpDir)

		if err := s.builder(ctx, spec, tmpDir); err != nil {
			return CachedBuild{}, fmt.Errorf("%w: %v", ErrBuildUnavailable, err)
		}
		if err := os.RemoveAll(filepath.Join(s.root, spec.dirName())); err != nil {
			return CachedBuild{}, fmt.Errorf("replacing toolchain entry %s: %w", spec, err)
		}
		return s.promote(spec, tmpDir, "")
	})
	if err != nil {
		return CachedBuild{}, err
	}
	return v.(CachedBuild), nil
}

// List enumerates all promoted cache entries.
func (s *Store) List() ([]CachedBuild, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("reading toolchain cache root: %w", err)
	}
	var builds []CachedBuild
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.root, entry.Name(), specFileName))
		if err != nil {
			continue
		}
		var spec Spec
		if err := json.Unmarshal(data, &spec); err != nil {
			continue
		}
		build, err := s.lookup(spec)
		if err != nil {
			continue
		}
		builds = append(builds, build)
	}
	return builds, nil
}

// Remove deletes the cache entry for spec, if present.
func (s *Store) Remove(spec Spec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	entryDir := filepath.Join(s.root, spec.dirName())
	if _, err := os.Stat(entryDir); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotCached, spec)
	}
	if err := os.RemoveAll(entryDir); err != nil {
		return fmt.Errorf("removing toolchain entry %s: %w", spec, err)
	}
	_ = os.Remove(filepath.Join(s.root, spec.dirName()+".lock"))
	return nil
}

// Purge deletes every cache entry, including staging leftovers.
func (s *Store) Purge() error {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return fmt.Errorf("reading toolchain cache root: %w", err)
	}
	for _, entry := range entries {
		if err := os.RemoveAll(filepath.Join(s.root, entry.Name())); err != nil {
			return fmt.Errorf("purging %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// findExecutable locates name anywhere under dir. Release archives nest the
// binaries differently across platforms and tags, so the search is recursive.
func findExecutable(dir, name string) (string, error) {
	var found string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && d.Name() == name {
			found = path
			return fs.SkipAll
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	if found == "" {
		return "", fmt.Errorf("%s not found under %s", name, dir)
	}
	return found, nil
}
