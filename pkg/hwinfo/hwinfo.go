// Package hwinfo takes point-in-time snapshots of host memory and
// accelerator telemetry. A snapshot is advisory: nothing is reserved, and a
// concurrently started workload can invalidate it before launch.
package hwinfo

import (
	"context"
	"runtime"

	"github.com/elastic/go-sysinfo"

	"github.com/llamakiln/kiln/pkg/logging"
)

// GPU describes one detected accelerator.
type GPU struct {
	// Name is the product name as reported by the host.
	Name string
	// Vendor is the device vendor name.
	Vendor string
	// TotalVRAM is the total device memory in bytes.
	TotalVRAM uint64
	// FreeVRAM is the currently available device memory in bytes.
	FreeVRAM uint64
	// Unified indicates the device shares memory with the host (Apple
	// silicon). TotalVRAM then reports the usable working-set budget, not a
	// discrete pool.
	Unified bool
}

// Telemetry is one snapshot of host resources.
type Telemetry struct {
	// TotalRAM is the total host memory in bytes.
	TotalRAM uint64
	// AvailableRAM is the host memory currently available in bytes.
	AvailableRAM uint64
	// LogicalCores is the number of logical CPU cores.
	LogicalCores int
	// GPUs lists detected accelerators, primary device first. Empty when no
	// supported accelerator is present.
	GPUs []GPU
}

// HasAccelerator reports whether at least one usable accelerator was found.
func (t Telemetry) HasAccelerator() bool {
	return len(t.GPUs) > 0
}

// AvailableVRAM returns the available memory of the primary accelerator, or
// zero when none is present.
func (t Telemetry) AvailableVRAM() uint64 {
	if len(t.GPUs) == 0 {
		return 0
	}
	return t.GPUs[0].FreeVRAM
}

// Snapshot reads current host memory and accelerator state. Accelerator
// probing failures are logged and degrade the snapshot to CPU-only rather
// than failing it; host memory failures are fatal since no plan can be
// computed without a RAM budget.
func Snapshot(ctx context.Context, log logging.Logger) (Telemetry, error) {
	tel := Telemetry{LogicalCores: runtime.NumCPU()}

	host, err := sysinfo.Host()
	if err != nil {
		return Telemetry{}, err
	}
	mem, err := host.Memory()
	if err != nil {
		return Telemetry{}, err
	}
	tel.TotalRAM = mem.Total
	tel.AvailableRAM = mem.Available
	if tel.AvailableRAM == 0 {
		// Some hosts report only Free.
		tel.AvailableRAM = mem.Free
	}

	gpus, err := probeGPUs(ctx, tel.TotalRAM)
	if err != nil {
		log.Warnf("accelerator probing failed, assuming CPU-only host: %v", err)
	} else {
		tel.GPUs = gpus
	}
	return tel, nil
}
