package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"time"

	"github.com/llamakiln/kiln/pkg/engineapi"
	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/retry"
	"github.com/llamakiln/kiln/pkg/tailbuffer"
	"github.com/llamakiln/kiln/pkg/toolchain"
	"github.com/llamakiln/kiln/pkg/transport"
)

const outputTailSize = 2048

// LaunchOptions tune a single launch.
type LaunchOptions struct {
	// Transport forces a channel kind. Empty selects the platform's
	// preferred kind.
	Transport transport.Kind
	// ReadinessTimeout bounds the wait for the first successful health
	// probe. Zero applies a 5 minute default (large models load slowly).
	ReadinessTimeout time.Duration
}

// Launcher spawns engine processes and hands them to supervisors.
type Launcher struct {
	log       logging.Logger
	serverLog logging.Logger
	platform  transport.Platform
	registry  *Registry
}

// NewLauncher creates a launcher. serverLog receives the engine process's
// output; registry may be nil to skip instance tracking.
func NewLauncher(log, serverLog logging.Logger, platform transport.Platform, registry *Registry) *Launcher {
	return &Launcher{log: log, serverLog: serverLog, platform: platform, registry: registry}
}

// Launch spawns the engine from build with cfg, waits for readiness and
// returns a supervisor owning the live process. On any failure the spawned
// process is terminated and its endpoint resources removed before the error
// is returned.
func (l *Launcher) Launch(ctx context.Context, build toolchain.CachedBuild, cfg Config, opts LaunchOptions) (*Supervisor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	if cfg.WebUI && opts.Transport == "" {
		// The built-in web UI is only reachable over loopback.
		opts.Transport = transport.KindTCP
	}

	kind := opts.Transport
	if kind == "" {
		kind = l.platform.Preferred()
	} else if !l.platform.Supports(kind) {
		return nil, fmt.Errorf("%w: transport %s not supported on this platform", ErrEndpointUnavailable, kind)
	}
	endpoint, err := l.platform.NewEndpoint(kind)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEndpointUnavailable, err)
	}

	args, err := cfg.Args(endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}
	l.log.Infof("launching %s %v", build.BinPath, args)

	tail := tailbuffer.New(outputTailSize)
	serverOut := l.serverLog.Writer()
	cmd := exec.Command(build.BinPath, args...)
	cmd.Dir = filepath.Dir(build.BinPath)
	cmd.Stdout = serverOut
	cmd.Stderr = io.MultiWriter(serverOut, tail)
	// Release archives ship shared libraries next to the executable.
	cmd.Env = append(os.Environ(), sharedLibraryPathEnv(filepath.Dir(build.BinPath))...)

	if err := cmd.Start(); err != nil {
		serverOut.Close()
		if cleanupErr := l.platform.Cleanup(endpoint); cleanupErr != nil {
			l.log.Warnf("failed to clean up endpoint %s: %v", endpoint, cleanupErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunchFailed, err)
	}

	proc := &Process{
		PID:       cmd.Process.Pid,
		Endpoint:  endpoint,
		Config:    cfg,
		StartedAt: time.Now(),
		cmd:       cmd,
	}
	sup := newSupervisor(l.log, l.platform, l.registry, proc, tail)
	go func() {
		sup.watch()
		serverOut.Close()
	}()

	if err := l.awaitReady(ctx, sup, opts.ReadinessTimeout); err != nil {
		sup.kill()
		return nil, err
	}
	sup.markReady()

	if l.registry != nil {
		instance, regErr := l.registry.Register(proc, build.Spec)
		if regErr != nil {
			l.log.Warnf("failed to register instance: %v", regErr)
		} else {
			sup.setInstance(instance)
		}
	}
	l.log.Infof("engine pid %d ready on %s", proc.PID, endpoint)
	return sup, nil
}

// awaitReady polls the status endpoint with bounded backoff until the engine
// answers, the process exits, or the timeout elapses.
func (l *Launcher) awaitReady(ctx context.Context, sup *Supervisor, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client := transport.NewClient(l.log, l.platform)
	err := retry.Do(waitCtx, retry.Readiness, func() error {
		select {
		case <-sup.Done():
			return retry.Permanent(fmt.Errorf("%w: %v", ErrLaunchFailed, sup.waitErrWithTail()))
		default:
		}
		probeCtx, probeCancel := context.WithTimeout(waitCtx, 2*time.Second)
		defer probeCancel()
		session, err := client.Connect(probeCtx, sup.proc.Endpoint, sup.Alive)
		if err != nil {
			return err
		}
		defer session.Close()
		status, err := engineapi.New(session).Health(probeCtx)
		if err != nil {
			return err
		}
		if status.State != engineapi.HealthReady {
			return fmt.Errorf("engine state %s", status.State)
		}
		return nil
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrLaunchFailed) {
		return err
	}
	if waitCtx.Err() != nil && ctx.Err() == nil {
		return fmt.Errorf("%w after %s: %v", ErrReadinessTimeout, timeout, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %v", ErrReadinessTimeout, err)
}

// waitErrWithTail formats the exit error of a process that died before
// becoming ready, including captured output.
func (s *Supervisor) waitErrWithTail() error {
	if tail := s.tail.String(); tail != "" {
		return fmt.Errorf("engine exited during startup: %v\noutput tail:\n%s", s.waitErr, tail)
	}
	return fmt.Errorf("engine exited during startup: %v", s.waitErr)
}

// sharedLibraryPathEnv returns the environment additions that let the loader
// find libraries shipped alongside the engine executable.
func sharedLibraryPathEnv(binDir string) []string {
	sep := string(os.PathListSeparator)
	switch runtime.GOOS {
	case "windows":
		return nil // binDir is cmd.Dir, which Windows searches for DLLs
	case "darwin":
		return []string{"DYLD_LIBRARY_PATH=" + binDir + sep + os.Getenv("DYLD_LIBRARY_PATH")}
	default:
		return []string{"LD_LIBRARY_PATH=" + binDir + sep + os.Getenv("LD_LIBRARY_PATH")}
	}
}
