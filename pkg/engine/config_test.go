package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamakiln/kiln/pkg/planner"
	"github.com/llamakiln/kiln/pkg/transport"
)

func validConfig() Config {
	return Config{ModelPath: "/models/test.gguf", ContextSize: 4096, OffloadLayers: 10, Threads: 4}
}

func TestValidateRequiresExactlyOneModelSource(t *testing.T) {
	cfg := Config{}
	require.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.ModelURL = "https://example.com/m.gguf"
	require.Error(t, cfg.Validate())

	cfg = Config{ModelRepo: "org/model"}
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cfg := validConfig()
	cfg.ContextSize = 100
	assert.Error(t, cfg.Validate(), "context below minimum")

	cfg = validConfig()
	cfg.Threads = -1
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.BatchSize = 256
	cfg.UBatchSize = 512
	assert.Error(t, cfg.Validate(), "ubatch larger than batch")

	cfg = validConfig()
	cfg.KVCacheTypeK = "q3_k"
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.ExtraFlags = `--grammar "unterminated`
	assert.Error(t, cfg.Validate())

	cfg = validConfig()
	cfg.RequestTimeout = -time.Second
	assert.Error(t, cfg.Validate())
}

func TestArgsUnixEndpoint(t *testing.T) {
	cfg := validConfig()
	args, err := cfg.Args(transport.Endpoint{Kind: transport.KindUnix, Address: "/run/kiln/engine.sock"})
	require.NoError(t, err)

	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "/models/test.gguf")
	assert.Contains(t, args, "--host")
	assert.Contains(t, args, "/run/kiln/engine.sock")
	assert.Contains(t, args, "--ctx-size")
	assert.Contains(t, args, "4096")
	assert.Contains(t, args, "-ngl")
	assert.Contains(t, args, "10")
	assert.Contains(t, args, "--no-webui")
	assert.NotContains(t, args, "--port")
}

func TestArgsTCPEndpointSplitsHostPort(t *testing.T) {
	cfg := validConfig()
	args, err := cfg.Args(transport.Endpoint{Kind: transport.KindTCP, Address: "127.0.0.1:39211"})
	require.NoError(t, err)

	assert.Contains(t, args, "--host")
	assert.Contains(t, args, "127.0.0.1")
	assert.Contains(t, args, "--port")
	assert.Contains(t, args, "39211")
}

func TestArgsOptionalFlags(t *testing.T) {
	seed := int64(42)
	cfg := validConfig()
	cfg.FlashAttention = true
	cfg.NoMmap = true
	cfg.Mlock = true
	cfg.Embeddings = true
	cfg.WebUI = true
	cfg.Seed = &seed
	cfg.KVCacheTypeK = "q8_0"
	cfg.RequestTimeout = 90 * time.Second
	cfg.ExtraFlags = "--rope-scaling linear"

	args, err := cfg.Args(transport.Endpoint{Kind: transport.KindTCP, Address: "127.0.0.1:1234"})
	require.NoError(t, err)

	assert.Contains(t, args, "--flash-attn")
	assert.Contains(t, args, "--no-mmap")
	assert.Contains(t, args, "--mlock")
	assert.Contains(t, args, "--embeddings")
	assert.NotContains(t, args, "--no-webui")
	assert.Contains(t, args, "--seed")
	assert.Contains(t, args, "42")
	assert.Contains(t, args, "--cache-type-k")
	assert.Contains(t, args, "q8_0")
	assert.Contains(t, args, "--timeout")
	assert.Contains(t, args, "90")
	assert.Contains(t, args, "--rope-scaling")
	assert.Contains(t, args, "linear")
}

func TestArgsModelURLAndRepo(t *testing.T) {
	cfg := Config{ModelURL: "https://example.com/m.gguf"}
	args, err := cfg.Args(transport.Endpoint{Kind: transport.KindTCP, Address: "127.0.0.1:1234"})
	require.NoError(t, err)
	assert.Contains(t, args, "--model-url")

	cfg = Config{ModelRepo: "org/model"}
	args, err = cfg.Args(transport.Endpoint{Kind: transport.KindTCP, Address: "127.0.0.1:1234"})
	require.NoError(t, err)
	assert.Contains(t, args, "--hf-repo")
}

func TestFromPlan(t *testing.T) {
	plan := planner.Plan{OffloadLayers: 20, ContextSize: 8192, Threads: 6}
	cfg := FromPlan("/models/test.gguf", plan)
	assert.Equal(t, "/models/test.gguf", cfg.ModelPath)
	assert.Equal(t, uint64(20), cfg.OffloadLayers)
	assert.Equal(t, uint64(8192), cfg.ContextSize)
	assert.Equal(t, 6, cfg.Threads)
	require.NoError(t, cfg.Validate())
}
