package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

func testProcess(pid int) *Process {
	return &Process{
		PID:       pid,
		Endpoint:  transport.Endpoint{Kind: transport.KindUnix, Address: "/run/kiln/engine-test.sock"},
		Config:    Config{ModelPath: "/models/test.gguf"},
		StartedAt: time.Now(),
	}
}

func testSpec() toolchain.Spec {
	return toolchain.Spec{Tag: "b1000", Variant: toolchain.VariantCPU, Platform: toolchain.Platform{OS: "linux", Arch: "amd64"}}
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	registry, err := NewRegistry(logging.NullLogger(), t.TempDir())
	require.NoError(t, err)
	return registry
}

func TestRegisterAndList(t *testing.T) {
	registry := newTestRegistry(t)

	// Use our own pid so the liveness check passes.
	instance, err := registry.Register(testProcess(os.Getpid()), testSpec())
	require.NoError(t, err)
	assert.NotEmpty(t, instance.ID)
	assert.Equal(t, "/models/test.gguf", instance.Model)

	instances, err := registry.List()
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, instance.ID, instances[0].ID)
}

func TestListPrunesDeadProcesses(t *testing.T) {
	registry := newTestRegistry(t)

	// A pid from far outside any plausible live range.
	_, err := registry.Register(testProcess(1<<22+12345), testSpec())
	require.NoError(t, err)

	instances, err := registry.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestListRemovesCorruptFiles(t *testing.T) {
	dir := t.TempDir()
	registry, err := NewRegistry(logging.NullLogger(), dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bogus.json"), []byte("{"), 0o644))

	instances, err := registry.List()
	require.NoError(t, err)
	assert.Empty(t, instances)
	_, err = os.Stat(filepath.Join(dir, "bogus.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestDeregister(t *testing.T) {
	registry := newTestRegistry(t)
	instance, err := registry.Register(testProcess(os.Getpid()), testSpec())
	require.NoError(t, err)

	require.NoError(t, registry.Deregister(instance.ID))
	instances, err := registry.List()
	require.NoError(t, err)
	assert.Empty(t, instances)

	// Unknown and empty ids are not errors.
	assert.NoError(t, registry.Deregister(instance.ID))
	assert.NoError(t, registry.Deregister(""))
}

func TestGet(t *testing.T) {
	registry := newTestRegistry(t)
	instance, err := registry.Register(testProcess(os.Getpid()), testSpec())
	require.NoError(t, err)

	got, err := registry.Get(instance.ID)
	require.NoError(t, err)
	assert.Equal(t, instance.Endpoint, got.Endpoint)

	_, err = registry.Get("missing")
	require.ErrorIs(t, err, ErrInstanceNotFound)
}

func TestRegisterRemoteModelSources(t *testing.T) {
	registry := newTestRegistry(t)

	proc := testProcess(os.Getpid())
	proc.Config = Config{ModelURL: "https://example.com/m.gguf"}
	instance, err := registry.Register(proc, testSpec())
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/m.gguf", instance.Model)

	proc = testProcess(os.Getpid())
	proc.Config = Config{ModelRepo: "org/model"}
	instance, err = registry.Register(proc, testSpec())
	require.NoError(t, err)
	assert.Equal(t, "org/model", instance.Model)
}
