package engine

import (
	"context"
	"time"

	"github.com/llamakiln/kiln/pkg/logging"
	"github.com/llamakiln/kiln/pkg/transport"
)

const stopPollInterval = 200 * time.Millisecond

// StopInstance shuts down an engine launched by another invocation: it
// interrupts the process by pid, escalates to a forced kill when the grace
// period or ctx expires, then removes the endpoint and the registry entry.
func StopInstance(ctx context.Context, log logging.Logger, registry *Registry, platform transport.Platform, instance Instance) error {
	if processAlive(instance.PID) {
		log.Infof("stopping engine pid %d", instance.PID)
		if err := signalPID(instance.PID); err != nil {
			log.Warnf("interrupt failed for pid %d: %v", instance.PID, err)
		}
		if !waitGone(ctx, instance.PID, gracefulStopWait) {
			log.Warnf("engine pid %d did not stop in %s, killing", instance.PID, gracefulStopWait)
			if err := killPID(instance.PID); err != nil && processAlive(instance.PID) {
				return err
			}
			waitGone(ctx, instance.PID, gracefulStopWait)
		}
	}
	if err := platform.Cleanup(instance.Endpoint); err != nil {
		log.Warnf("failed to clean up endpoint %s: %v", instance.Endpoint, err)
	}
	return registry.Deregister(instance.ID)
}

func waitGone(ctx context.Context, pid int, grace time.Duration) bool {
	deadline := time.NewTimer(grace)
	defer deadline.Stop()
	ticker := time.NewTicker(stopPollInterval)
	defer ticker.Stop()
	for {
		if !processAlive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-ticker.C:
		}
	}
}
