package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/llamakiln/kiln/pkg/engineapi"
	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/tailbuffer"
	"github.com/llamakiln/kiln/pkg/transport"
)

// State is the supervisor's view of its process.
type State string

const (
	// StateStarting covers spawn through first successful readiness probe.
	StateStarting State = "starting"
	// StateReady means the process answers health probes.
	StateReady State = "ready"
	// StateDegraded means the process exists but failed its last probe.
	// It transitions back to StateReady when a probe succeeds again.
	StateDegraded State = "degraded"
	// StateStopping means Stop is in progress.
	StateStopping State = "stopping"
	// StateStopped means the process exited on request.
	StateStopped State = "stopped"
	// StateCrashed means the process exited unexpectedly.
	StateCrashed State = "crashed"
)

const (
	// gracefulStopWait bounds the wait after an interrupt before escalating
	// to a forced kill.
	gracefulStopWait = 10 * time.Second
	// healthInterval is the period of the background liveness probe.
	healthInterval = 10 * time.Second
)

// Supervisor exclusively owns a running engine process: it watches for exit,
// probes health, terminates on request and releases endpoint resources on
// every exit path. Crashes are made observable through State, Err and Done
// rather than retried.
type Supervisor struct {
	log      logging.Logger
	platform transport.Platform
	client   *transport.Client
	registry *Registry
	proc     *Process
	tail     *tailbuffer.TailBuffer

	mu         sync.Mutex
	state      State
	err        error
	instance   Instance
	healthStop context.CancelFunc
	// cleaned records that cleanup has run, so a registration that loses the
	// race against process exit can still release its registry entry.
	cleaned bool

	// exited is closed by watch once the process has been reaped.
	exited  chan struct{}
	waitErr error

	cleanupOne sync.Once
}

func newSupervisor(
	log logging.Logger,
	platform transport.Platform,
	registry *Registry,
	proc *Process,
	tail *tailbuffer.TailBuffer,
) *Supervisor {
	return &Supervisor{
		log:      log,
		platform: platform,
		client:   transport.NewClient(log, platform),
		registry: registry,
		proc:     proc,
		tail:     tail,
		state:    StateStarting,
		exited:   make(chan struct{}),
	}
}

// Process returns the supervised process.
func (s *Supervisor) Process() *Process {
	return s.proc
}

// Endpoint returns the process's transport endpoint.
func (s *Supervisor) Endpoint() transport.Endpoint {
	return s.proc.Endpoint
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, valid once Done is closed or State is
// StateCrashed.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Done is closed once the process has exited and its resources are released.
func (s *Supervisor) Done() <-chan struct{} {
	return s.exited
}

// Alive reports whether the process is still running.
func (s *Supervisor) Alive() bool {
	select {
	case <-s.exited:
		return false
	default:
		return true
	}
}

// watch reaps the process and classifies its exit.
func (s *Supervisor) watch() {
	err := s.proc.cmd.Wait()
	s.waitErr = err

	s.mu.Lock()
	switch s.state {
	case StateStopping, StateStopped:
		s.state = StateStopped
	default:
		s.state = StateCrashed
		if tail := s.tail.String(); tail != "" {
			s.err = fmt.Errorf("engine exited unexpectedly: %v\noutput tail:\n%s", err, tail)
		} else {
			s.err = fmt.Errorf("engine exited unexpectedly: %v", err)
		}
		s.log.Warnf("engine pid %d crashed: %v", s.proc.PID, err)
	}
	s.mu.Unlock()

	s.cleanup()
	close(s.exited)
}

// cleanup releases endpoint resources and the registry entry. It runs on
// every exit path exactly once. healthStop and instance are written by other
// goroutines while watch may already be exiting, so they are read under the
// lock.
func (s *Supervisor) cleanup() {
	s.cleanupOne.Do(func() {
		s.mu.Lock()
		s.cleaned = true
		stopHealth := s.healthStop
		instance := s.instance
		s.mu.Unlock()

		if stopHealth != nil {
			stopHealth()
		}
		if err := s.platform.Cleanup(s.proc.Endpoint); err != nil {
			s.log.Warnf("failed to remove endpoint %s: %v", s.proc.Endpoint, err)
		}
		if s.registry != nil {
			if err := s.registry.Deregister(instance.ID); err != nil {
				s.log.Warnf("failed to deregister instance %s: %v", instance.ID, err)
			}
		}
	})
}

// markReady transitions Starting to Ready and starts background health
// probing.
func (s *Supervisor) markReady() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.state == StateStarting {
		s.state = StateReady
	}
	s.healthStop = cancel
	s.mu.Unlock()
	go s.healthLoop(ctx)
}

func (s *Supervisor) setInstance(instance Instance) {
	s.mu.Lock()
	s.instance = instance
	cleaned := s.cleaned
	s.mu.Unlock()

	if cleaned && s.registry != nil {
		// The process exited while registration was in flight and cleanup
		// missed the id.
		if err := s.registry.Deregister(instance.ID); err != nil {
			s.log.Warnf("failed to deregister instance %s: %v", instance.ID, err)
		}
	}
}

// healthLoop periodically probes the status endpoint, oscillating between
// Ready and Degraded. Process exit is handled by watch, not here.
func (s *Supervisor) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.exited:
			return
		case <-ticker.C:
		}

		healthy := s.probe(ctx)
		s.mu.Lock()
		switch {
		case healthy && s.state == StateDegraded:
			s.log.Infof("engine pid %d recovered", s.proc.PID)
			s.state = StateReady
		case !healthy && s.state == StateReady:
			s.log.Warnf("engine pid %d failed health probe", s.proc.PID)
			s.state = StateDegraded
		}
		s.mu.Unlock()
	}
}

// probe performs one health check over a fresh session.
func (s *Supervisor) probe(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if !processAlive(s.proc.PID) {
		return false
	}
	session, err := s.client.Connect(probeCtx, s.proc.Endpoint, s.Alive)
	if err != nil {
		return false
	}
	defer session.Close()
	status, err := engineapi.New(session).Health(probeCtx)
	return err == nil && status.State == engineapi.HealthReady
}

// Stop terminates the process: graceful interrupt, bounded wait, then forced
// kill. It returns once the process is gone and all endpoint resources are
// released. Stopping an already-exited process returns ErrAlreadyStopped.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateStopped, StateCrashed:
		s.mu.Unlock()
		return ErrAlreadyStopped
	case StateStopping:
		s.mu.Unlock()
		<-s.exited
		return nil
	}
	s.state = StateStopping
	s.mu.Unlock()

	if err := interruptProcess(s.proc.cmd); err != nil {
		s.log.Warnf("failed to interrupt engine pid %d: %v", s.proc.PID, err)
	}

	// Cancellation of ctx cuts the grace period short and escalates at once.
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
	case <-time.After(gracefulStopWait):
	}

	s.log.Warnf("engine pid %d did not stop gracefully, killing", s.proc.PID)
	if err := s.proc.cmd.Process.Kill(); err != nil {
		s.log.Warnf("failed to kill engine pid %d: %v", s.proc.PID, err)
	}
	select {
	case <-s.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// kill force-terminates without the graceful phase. Used by the launcher on
// readiness failure so no orphaned process outlives the error return.
func (s *Supervisor) kill() {
	s.mu.Lock()
	s.state = StateStopping
	s.mu.Unlock()
	if err := s.proc.cmd.Process.Kill(); err != nil {
		s.log.Warnf("failed to kill engine pid %d: %v", s.proc.PID, err)
	}
	<-s.exited
}
