package hwinfo

import (
	"context"
	"runtime"
)

// Apple silicon exposes unified memory to Metal. The usable working-set
// budget is roughly three quarters of physical memory; the remainder is left
// to the OS and host-side allocations.
const unifiedMemoryShare = 0.75

func probeGPUs(_ context.Context, totalRAM uint64) ([]GPU, error) {
	if runtime.GOARCH != "arm64" {
		// Intel Macs have no supported accelerator.
		return nil, nil
	}
	budget := uint64(float64(totalRAM) * unifiedMemoryShare)
	return []GPU{{
		Name:      "Apple silicon",
		Vendor:    "Apple",
		TotalVRAM: budget,
		FreeVRAM:  budget,
		Unified:   true,
	}}, nil
}
