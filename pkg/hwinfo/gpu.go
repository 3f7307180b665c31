//go:build !darwin

package hwinfo

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/jaypipes/ghw"
)

// probeGPUs discovers accelerators through the PCI topology and, for NVIDIA
// devices, queries current memory state through nvidia-smi. Devices without a
// usable memory readout are omitted.
func probeGPUs(ctx context.Context, _ uint64) ([]GPU, error) {
	info, err := ghw.GPU()
	if err != nil {
		return nil, fmt.Errorf("enumerating graphics cards: %w", err)
	}

	var nvidia []GPU
	for _, card := range info.GraphicsCards {
		if card.DeviceInfo == nil || card.DeviceInfo.Vendor == nil {
			continue
		}
		vendor := card.DeviceInfo.Vendor.Name
		if !strings.Contains(strings.ToLower(vendor), "nvidia") {
			continue
		}
		name := ""
		if card.DeviceInfo.Product != nil {
			name = card.DeviceInfo.Product.Name
		}
		nvidia = append(nvidia, GPU{Name: name, Vendor: vendor})
	}
	if len(nvidia) == 0 {
		return nil, nil
	}

	readouts, err := queryNvidiaSMI(ctx)
	if err != nil {
		return nil, fmt.Errorf("querying nvidia-smi: %w", err)
	}
	var gpus []GPU
	for i, r := range readouts {
		g := GPU{Name: r.name, Vendor: "NVIDIA", TotalVRAM: r.total, FreeVRAM: r.free}
		if i < len(nvidia) && nvidia[i].Name != "" {
			g.Name = nvidia[i].Name
		}
		gpus = append(gpus, g)
	}
	return gpus, nil
}

type smiReadout struct {
	name  string
	total uint64
	free  uint64
}

func queryNvidiaSMI(ctx context.Context) ([]smiReadout, error) {
	out, err := exec.CommandContext(
		ctx, "nvidia-smi",
		"--query-gpu=name,memory.total,memory.free",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil, err
	}

	var readouts []smiReadout
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		fields := strings.Split(line, ",")
		if len(fields) != 3 {
			continue
		}
		totalMiB, err := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 64)
		if err != nil {
			continue
		}
		freeMiB, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			continue
		}
		readouts = append(readouts, smiReadout{
			name:  strings.TrimSpace(fields[0]),
			total: totalMiB << 20,
			free:  freeMiB << 20,
		})
	}
	if len(readouts) == 0 {
		return nil, fmt.Errorf("no devices reported")
	}
	return readouts, nil
}
