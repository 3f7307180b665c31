package engine

import (
	"os/exec"
	"time"

	"github.com/llamakiln/kiln/pkg/transport"
)

// Process is one running engine server. It is created by the launcher after
// readiness confirmation and owned by exactly one supervisor for its
// lifetime.
type Process struct {
	// PID is the OS process identifier.
	PID int
	// Endpoint is the bound transport endpoint.
	Endpoint transport.Endpoint
	// Config is the configuration used to construct the argument set.
	Config Config
	// StartedAt is the spawn time.
	StartedAt time.Time

	cmd *exec.Cmd
}
