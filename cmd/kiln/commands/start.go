package commands

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engine"
	"github.com/llamakiln/kiln/pkg/hwinfo"
	"github.com/llamakiln/kiln/pkg/modelinfo"
	"github.com/llamakiln/kiln/pkg/planner"
	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

const detachedEnv = "KILN_DETACHED"

type startFlags struct {
	modelURL  string
	modelRepo string

	tag     string
	variant string

	contextSize   uint64
	offloadLayers uint64
	threads       int
	batchSize     int
	ubatchSize    int
	parallel      int

	flashAttention bool
	noMmap         bool
	mlock          bool
	embeddings     bool
	webUI          bool
	seed           int64
	cacheTypeK     string
	cacheTypeV     string
	extraFlags     string

	transportKind    string
	readinessTimeout time.Duration
	detach           bool
	dryRun           bool
}

func newStartCmd(a *app) *cobra.Command {
	var f startFlags
	c := &cobra.Command{
		Use:   "start [MODEL.gguf]",
		Short: "Launch an inference engine",
		Long: `Launch an inference engine serving the given model.

The model is a local GGUF file, or a remote source given with --model-url or
--model-repo. For local files the launch configuration (GPU offload, context
size, threads) is planned from the model's metadata and the host's available
memory; explicit flags override the planned values.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, a, &f, args)
		},
	}

	flags := c.Flags()
	flags.StringVar(&f.modelURL, "model-url", "", "download the model from a direct URL")
	flags.StringVar(&f.modelRepo, "model-repo", "", "fetch the model from a hf-style repository")
	flags.StringVar(&f.tag, "tag", "", "engine release tag")
	flags.StringVar(&f.variant, "variant", "", "engine backend variant (cpu, cuda, cudnn, metal)")
	flags.Uint64Var(&f.contextSize, "context-size", 0, "token context length")
	flags.Uint64Var(&f.offloadLayers, "offload-layers", 0, "layers to place on the accelerator")
	flags.IntVar(&f.threads, "threads", 0, "CPU thread count")
	flags.IntVar(&f.batchSize, "batch-size", 0, "logical batch size")
	flags.IntVar(&f.ubatchSize, "ubatch-size", 0, "physical batch size")
	flags.IntVar(&f.parallel, "parallel", 0, "concurrent request slots")
	flags.BoolVar(&f.flashAttention, "flash-attn", false, "enable flash attention")
	flags.BoolVar(&f.noMmap, "no-mmap", false, "load the model without mmap")
	flags.BoolVar(&f.mlock, "mlock", false, "lock model memory")
	flags.BoolVar(&f.embeddings, "embeddings", false, "enable the embeddings endpoint")
	flags.BoolVar(&f.webUI, "web-ui", false, "keep the engine's web UI enabled (forces loopback transport)")
	flags.Int64Var(&f.seed, "seed", 0, "sampling seed")
	flags.StringVar(&f.cacheTypeK, "cache-type-k", "", "KV cache key quantization (f16, q8_0, q4_0)")
	flags.StringVar(&f.cacheTypeV, "cache-type-v", "", "KV cache value quantization (f16, q8_0, q4_0)")
	flags.StringVar(&f.extraFlags, "extra-flags", "", "raw engine flags appended verbatim")
	flags.StringVar(&f.transportKind, "transport", "", "transport kind (unix, pipe, tcp)")
	flags.DurationVar(&f.readinessTimeout, "readiness-timeout", 0, "max wait for the engine to become ready")
	flags.BoolVar(&f.detach, "detach", false, "run the engine in the background")
	flags.BoolVar(&f.dryRun, "dry-run", false, "print the launch plan without starting the engine")
	return c
}

func runStart(cmd *cobra.Command, a *app, f *startFlags, args []string) error {
	if f.detach && os.Getenv(detachedEnv) == "" && !f.dryRun {
		return detachSelf(cmd, a)
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := buildEngineConfig(ctx, cmd, a, f, args)
	if err != nil {
		return err
	}
	if f.dryRun {
		return nil
	}

	spec, err := buildSpec(a, f)
	if err != nil {
		return err
	}
	store, err := a.store()
	if err != nil {
		return err
	}
	build, err := store.Resolve(ctx, spec)
	if err != nil {
		return err
	}

	kind := transport.Kind("")
	if f.transportKind != "" {
		if kind, err = transport.ParseKind(f.transportKind); err != nil {
			return err
		}
	} else if a.cfg.Engine.Transport != "" {
		kind, _ = transport.ParseKind(a.cfg.Engine.Transport)
	}
	timeout := f.readinessTimeout
	if timeout == 0 {
		timeout = a.cfg.Engine.ReadinessTimeout.Std()
	}

	launcher := engine.NewLauncher(
		a.log,
		a.log.WithField("component", "engine"),
		a.platform,
		a.registry,
	)
	sup, err := launcher.Launch(ctx, build, cfg, engine.LaunchOptions{
		Transport:        kind,
		ReadinessTimeout: timeout,
	})
	if err != nil {
		return err
	}

	proc := sup.Process()
	cmd.Printf("engine ready: pid %d on %s\n", proc.PID, proc.Endpoint)
	if cfg.WebUI && proc.Endpoint.Kind == transport.KindTCP {
		cmd.Printf("web UI: http://%s\n", proc.Endpoint.Address)
	}

	select {
	case <-ctx.Done():
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer stopCancel()
		return sup.Stop(stopCtx)
	case <-sup.Done():
		if err := sup.Err(); err != nil {
			return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
		}
		return nil
	}
}

// buildEngineConfig assembles the launch configuration, planning resource
// placement from the model file when one is given.
func buildEngineConfig(ctx context.Context, cmd *cobra.Command, a *app, f *startFlags, args []string) (engine.Config, error) {
	var cfg engine.Config
	switch {
	case len(args) == 1:
		modelPath, err := filepath.Abs(args[0])
		if err != nil {
			return engine.Config{}, err
		}
		plan, err := planLaunch(ctx, cmd, a, f, modelPath)
		if err != nil {
			return engine.Config{}, err
		}
		cfg = engine.FromPlan(modelPath, plan)
	case f.modelURL != "":
		cfg = engine.Config{ModelURL: f.modelURL}
		applyManualSizing(&cfg, a, f)
	case f.modelRepo != "":
		cfg = engine.Config{ModelRepo: f.modelRepo}
		applyManualSizing(&cfg, a, f)
	default:
		return engine.Config{}, fmt.Errorf("a model file, --model-url or --model-repo is required")
	}

	cfg.BatchSize = f.batchSize
	cfg.UBatchSize = f.ubatchSize
	cfg.ParallelSlots = f.parallel
	cfg.FlashAttention = f.flashAttention
	cfg.NoMmap = f.noMmap
	cfg.Mlock = f.mlock
	cfg.Embeddings = f.embeddings
	cfg.WebUI = f.webUI
	cfg.KVCacheTypeK = f.cacheTypeK
	cfg.KVCacheTypeV = f.cacheTypeV
	cfg.ExtraFlags = f.extraFlags
	if cmd.Flags().Changed("seed") {
		seed := f.seed
		cfg.Seed = &seed
	}
	return cfg, nil
}

func planLaunch(ctx context.Context, cmd *cobra.Command, a *app, f *startFlags, modelPath string) (planner.Plan, error) {
	model, err := modelinfo.Parse(modelPath)
	if err != nil {
		return planner.Plan{}, err
	}
	tel, err := hwinfo.Snapshot(ctx, a.log)
	if err != nil {
		return planner.Plan{}, err
	}

	var ov planner.Overrides
	if cmd.Flags().Changed("context-size") {
		ov.ContextSize = &f.contextSize
	} else if v := uint64(a.cfg.Engine.ContextSize); v > 0 {
		ov.ContextSize = &v
	}
	if cmd.Flags().Changed("offload-layers") {
		ov.OffloadLayers = &f.offloadLayers
	}
	if cmd.Flags().Changed("threads") {
		ov.Threads = &f.threads
	} else if v := a.cfg.Engine.Threads; v > 0 {
		ov.Threads = &v
	}

	plan, err := planner.Compute(model, tel, ov)
	if err != nil {
		return planner.Plan{}, err
	}
	md := model.Metadata()
	cmd.Printf("model %s (%s, %s): offloading %d/%d layers, context %d, %s RAM + %s VRAM projected\n",
		md.Name, md.Architecture, md.Quantization,
		plan.OffloadLayers, model.Layers(), plan.ContextSize,
		units.BytesSize(float64(plan.Projected.RAM)),
		units.BytesSize(float64(plan.Projected.VRAM)),
	)
	return plan, nil
}

// applyManualSizing fills sizing fields for remote models, which cannot be
// planned locally.
func applyManualSizing(cfg *engine.Config, a *app, f *startFlags) {
	cfg.ContextSize = f.contextSize
	if cfg.ContextSize == 0 {
		cfg.ContextSize = uint64(a.cfg.Engine.ContextSize)
	}
	cfg.OffloadLayers = f.offloadLayers
	cfg.Threads = f.threads
	if cfg.Threads == 0 {
		cfg.Threads = a.cfg.Engine.Threads
	}
}

func buildSpec(a *app, f *startFlags) (toolchain.Spec, error) {
	tag := f.tag
	if tag == "" {
		tag = a.cfg.Toolchain.Tag
	}
	name := f.variant
	if name == "" {
		name = a.cfg.Toolchain.Variant
	}
	variant, err := toolchain.ParseVariant(name)
	if err != nil {
		return toolchain.Spec{}, err
	}
	spec := toolchain.Spec{Tag: tag, Variant: variant, Platform: toolchain.HostPlatform()}
	return spec, spec.Validate()
}

// detachSelf re-executes the current invocation in the background with output
// redirected to a log file.
func detachSelf(cmd *cobra.Command, a *app) error {
	exe, err := os.Executable()
	if err != nil {
		return err
	}
	logDir := filepath.Join(a.cfg.CacheRoot, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	logPath := filepath.Join(logDir, fmt.Sprintf("kiln-%d.log", time.Now().Unix()))
	logFile, err := os.Create(logPath)
	if err != nil {
		return err
	}
	defer logFile.Close()

	var args []string
	for _, arg := range os.Args[1:] {
		if arg == "--detach" || arg == "--detach=true" {
			continue
		}
		args = append(args, arg)
	}
	child := exec.Command(exe, args...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), detachedEnv+"=1")
	if err := child.Start(); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}
	cmd.Printf("started in background (pid %d), logs at %s\n", child.Process.Pid, logPath)
	return child.Process.Release()
}
