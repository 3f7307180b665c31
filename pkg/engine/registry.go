package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

// ErrInstanceNotFound indicates an unknown instance id.
var ErrInstanceNotFound = errors.New("instance not found")

// Instance is the registry's record of one launched engine process.
type Instance struct {
	ID        string             `json:"id"`
	PID       int                `json:"pid"`
	Endpoint  transport.Endpoint `json:"endpoint"`
	Model     string             `json:"model"`
	Toolchain toolchain.Spec     `json:"toolchain"`
	StartedAt time.Time          `json:"startedAt"`
}

// Alive reports whether the instance's process still exists.
func (i Instance) Alive() bool {
	return processAlive(i.PID)
}

// Registry tracks launched instances through per-instance state files under
// the runtime directory, so separate CLI invocations can list and stop them.
// It is an explicit object injected into the launcher, not ambient state.
type Registry struct {
	log logging.Logger
	dir string
	mu  sync.Mutex
}

// NewRegistry opens (creating if needed) the instance registry under dir.
func NewRegistry(log logging.Logger, dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating instance registry directory: %w", err)
	}
	return &Registry{log: log, dir: dir}, nil
}

// Register records a running process and returns its instance entry.
func (r *Registry) Register(proc *Process, spec toolchain.Spec) (Instance, error) {
	model := proc.Config.ModelPath
	if model == "" {
		model = proc.Config.ModelURL
	}
	if model == "" {
		model = proc.Config.ModelRepo
	}
	instance := Instance{
		ID:        uuid.NewString()[:8],
		PID:       proc.PID,
		Endpoint:  proc.Endpoint,
		Model:     model,
		Toolchain: spec,
		StartedAt: proc.StartedAt,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := json.MarshalIndent(instance, "", "  ")
	if err != nil {
		return Instance{}, err
	}
	if err := os.WriteFile(r.path(instance.ID), data, 0o644); err != nil {
		return Instance{}, fmt.Errorf("writing instance file: %w", err)
	}
	return instance, nil
}

// Deregister removes an instance record. Unknown and empty ids are ignored
// so cleanup paths can call it unconditionally.
func (r *Registry) Deregister(id string) error {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := os.Remove(r.path(id)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns all live instances. Records whose process no longer exists
// are pruned as they are encountered.
func (r *Registry) List() ([]Instance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("reading instance registry: %w", err)
	}
	var instances []Instance
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, entry.Name()))
		if err != nil {
			continue
		}
		var instance Instance
		if err := json.Unmarshal(data, &instance); err != nil {
			r.log.Warnf("removing unreadable instance file %s: %v", entry.Name(), err)
			os.Remove(filepath.Join(r.dir, entry.Name()))
			continue
		}
		if !processAlive(instance.PID) {
			r.log.Infof("pruning stale instance %s (pid %d gone)", instance.ID, instance.PID)
			os.Remove(filepath.Join(r.dir, entry.Name()))
			continue
		}
		instances = append(instances, instance)
	}
	return instances, nil
}

// Get returns the live instance with the given id.
func (r *Registry) Get(id string) (Instance, error) {
	instances, err := r.List()
	if err != nil {
		return Instance{}, err
	}
	for _, instance := range instances {
		if instance.ID == id {
			return instance, nil
		}
	}
	return Instance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
}

func (r *Registry) path(id string) string {
	return filepath.Join(r.dir, id+".json")
}
