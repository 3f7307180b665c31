package engine

import (
	"fmt"
	"net"
	"strconv"
	"time"

	shellwords "github.com/mattn/go-shellwords"

	"github.com/llamakiln/kiln/pkg/planner"
	"github.com/llamakiln/kiln/pkg/transport"
)

// Config is the typed configuration surface for the engine process. Every
// flag the engine accepts that kiln drives has a typed field here; unknown
// or out-of-range combinations fail in Validate, before spawn.
type Config struct {
	// Exactly one model source must be set.
	ModelPath string // local GGUF file
	ModelURL  string // direct download URL, fetched by the engine
	ModelRepo string // hf-style repository reference

	ContextSize   uint64
	OffloadLayers uint64
	Threads       int
	BatchSize     int
	UBatchSize    int
	ParallelSlots int

	FlashAttention bool
	NoMmap         bool
	Mlock          bool
	Embeddings     bool
	// WebUI keeps the engine's built-in web UI enabled. It requires the
	// loopback transport.
	WebUI bool

	Seed *int64
	// KVCacheTypeK and KVCacheTypeV select KV cache quantization
	// (f16, q8_0, q4_0).
	KVCacheTypeK string
	KVCacheTypeV string

	// RequestTimeout is the engine-side read/write timeout per request.
	RequestTimeout time.Duration
	Verbose        bool

	// ExtraFlags is a raw flag string appended verbatim after parsing with
	// shell word-splitting rules. It is the escape hatch for flags without a
	// typed field.
	ExtraFlags string
}

// FromPlan seeds a config from a resource plan.
func FromPlan(modelPath string, plan planner.Plan) Config {
	return Config{
		ModelPath:     modelPath,
		ContextSize:   plan.ContextSize,
		OffloadLayers: plan.OffloadLayers,
		Threads:       plan.Threads,
	}
}

var kvCacheTypes = map[string]bool{"f16": true, "bf16": true, "q8_0": true, "q4_0": true, "q4_1": true, "q5_0": true, "q5_1": true}

// Validate rejects unsupported configurations before spawn.
func (c *Config) Validate() error {
	sources := 0
	for _, s := range []string{c.ModelPath, c.ModelURL, c.ModelRepo} {
		if s != "" {
			sources++
		}
	}
	if sources != 1 {
		return fmt.Errorf("exactly one model source required, got %d", sources)
	}
	if c.ContextSize != 0 && c.ContextSize < planner.MinContext {
		return fmt.Errorf("context size %d below minimum %d", c.ContextSize, planner.MinContext)
	}
	if c.Threads < 0 {
		return fmt.Errorf("negative thread count %d", c.Threads)
	}
	if c.BatchSize < 0 || c.UBatchSize < 0 {
		return fmt.Errorf("negative batch size")
	}
	if c.UBatchSize > 0 && c.BatchSize > 0 && c.UBatchSize > c.BatchSize {
		return fmt.Errorf("ubatch size %d exceeds batch size %d", c.UBatchSize, c.BatchSize)
	}
	if c.ParallelSlots < 0 {
		return fmt.Errorf("negative parallel slot count %d", c.ParallelSlots)
	}
	for _, t := range []string{c.KVCacheTypeK, c.KVCacheTypeV} {
		if t != "" && !kvCacheTypes[t] {
			return fmt.Errorf("unknown kv cache type %q", t)
		}
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("negative request timeout")
	}
	if c.ExtraFlags != "" {
		if _, err := shellwords.Parse(c.ExtraFlags); err != nil {
			return fmt.Errorf("parsing extra flags: %w", err)
		}
	}
	return nil
}

// Args renders the engine argument set for the given endpoint.
func (c *Config) Args(endpoint transport.Endpoint) ([]string, error) {
	var args []string

	switch {
	case c.ModelPath != "":
		args = append(args, "--model", c.ModelPath)
	case c.ModelURL != "":
		args = append(args, "--model-url", c.ModelURL)
	case c.ModelRepo != "":
		args = append(args, "--hf-repo", c.ModelRepo)
	}

	switch endpoint.Kind {
	case transport.KindTCP:
		host, port, err := net.SplitHostPort(endpoint.Address)
		if err != nil {
			return nil, fmt.Errorf("invalid loopback endpoint %q: %w", endpoint.Address, err)
		}
		args = append(args, "--host", host, "--port", port)
	default:
		// The engine binds socket paths and pipe names via --host.
		args = append(args, "--host", endpoint.Address)
	}

	if c.ContextSize > 0 {
		args = append(args, "--ctx-size", strconv.FormatUint(c.ContextSize, 10))
	}
	args = append(args, "-ngl", strconv.FormatUint(c.OffloadLayers, 10))
	if c.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(c.Threads))
	}
	if c.BatchSize > 0 {
		args = append(args, "--batch-size", strconv.Itoa(c.BatchSize))
	}
	if c.UBatchSize > 0 {
		args = append(args, "--ubatch-size", strconv.Itoa(c.UBatchSize))
	}
	if c.ParallelSlots > 0 {
		args = append(args, "--parallel", strconv.Itoa(c.ParallelSlots))
	}
	if c.FlashAttention {
		args = append(args, "--flash-attn")
	}
	if c.NoMmap {
		args = append(args, "--no-mmap")
	}
	if c.Mlock {
		args = append(args, "--mlock")
	}
	if c.Embeddings {
		args = append(args, "--embeddings")
	}
	if !c.WebUI {
		args = append(args, "--no-webui")
	}
	if c.Seed != nil {
		args = append(args, "--seed", strconv.FormatInt(*c.Seed, 10))
	}
	if c.KVCacheTypeK != "" {
		args = append(args, "--cache-type-k", c.KVCacheTypeK)
	}
	if c.KVCacheTypeV != "" {
		args = append(args, "--cache-type-v", c.KVCacheTypeV)
	}
	if c.RequestTimeout > 0 {
		args = append(args, "--timeout", strconv.Itoa(int(c.RequestTimeout.Seconds())))
	}
	if c.Verbose {
		args = append(args, "--verbose")
	}

	if c.ExtraFlags != "" {
		extra, err := shellwords.Parse(c.ExtraFlags)
		if err != nil {
			return nil, fmt.Errorf("parsing extra flags: %w", err)
		}
		args = append(args, extra...)
	}
	return args, nil
}
