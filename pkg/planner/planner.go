// Package planner computes a launch configuration that fits a model into the
// host's currently available memory. Plans are derived per launch and never
// persisted; the telemetry they are based on is a snapshot, so an
// otherwise-valid plan can still fail at runtime if an unrelated workload
// claims the memory first. That failure surfaces as a process crash, not a
// planning error.
package planner

import (
	"errors"
	"fmt"

	"github.com/llamakiln/kiln/pkg/hwinfo"
	"github.com/llamakiln/kiln/pkg/modelinfo"
)

const (
	// MinContext is the smallest context length worth launching with.
	MinContext = 256
	// DefaultContext is used when neither the user nor the model suggests a
	// context length.
	DefaultContext = 4096

	// headroomFraction of each memory budget is reserved as a safety margin.
	headroomFraction = 0.10
	// headroomFloor is the minimum safety margin in bytes.
	headroomFloor = 512 << 20
)

// ErrInsufficientResources indicates that even the minimum viable
// configuration does not fit in the available memory budget.
var ErrInsufficientResources = errors.New("insufficient resources for model")

// Estimator projects memory footprints for candidate configurations.
// *modelinfo.Model implements it.
type Estimator interface {
	Estimate(contextSize, offloadLayers uint64) modelinfo.Projection
	Layers() uint64
	TrainContext() uint64
}

// Overrides carries explicit user choices. A set field bypasses estimation
// for that value but is still validated against hard limits.
type Overrides struct {
	OffloadLayers *uint64
	ContextSize   *uint64
	Threads       *int
}

// Plan is a launch configuration that fits the measured budget.
type Plan struct {
	// OffloadLayers is the number of model layers placed on the accelerator.
	OffloadLayers uint64
	// ContextSize is the token context length.
	ContextSize uint64
	// Threads is the CPU thread count for the engine.
	Threads int
	// HeadroomBytes is the safety margin reserved out of the RAM budget.
	HeadroomBytes uint64
	// Projected is the estimated footprint of this configuration.
	Projected modelinfo.Projection
}

func headroom(budget uint64) uint64 {
	h := uint64(float64(budget) * headroomFraction)
	if h < headroomFloor {
		h = headroomFloor
	}
	return h
}

func fitsBudget(need, budget uint64) bool {
	m := headroom(budget)
	if budget <= m {
		return need == 0
	}
	return need <= budget-m
}

// Compute derives a plan for the model against the telemetry snapshot.
func Compute(model Estimator, tel hwinfo.Telemetry, ov Overrides) (Plan, error) {
	ctxSize := DefaultContext
	if train := model.TrainContext(); train > 0 && train < uint64(ctxSize) {
		ctxSize = int(train)
	}
	if ov.ContextSize != nil {
		if *ov.ContextSize < MinContext {
			return Plan{}, fmt.Errorf("context size %d below minimum %d", *ov.ContextSize, MinContext)
		}
		ctxSize = int(*ov.ContextSize)
	}

	threads := tel.LogicalCores / 2
	if threads < 1 {
		threads = 1
	}
	if ov.Threads != nil {
		if *ov.Threads < 1 {
			return Plan{}, fmt.Errorf("thread count must be positive, got %d", *ov.Threads)
		}
		threads = *ov.Threads
	}

	totalLayers := model.Layers()
	vramBudget := tel.AvailableVRAM()

	if ov.OffloadLayers != nil {
		ngl := *ov.OffloadLayers
		if ngl > totalLayers {
			return Plan{}, fmt.Errorf("offload layers %d exceeds model layer count %d", ngl, totalLayers)
		}
		if ngl > 0 && !tel.HasAccelerator() {
			return Plan{}, fmt.Errorf("offload layers %d requested but no accelerator present", ngl)
		}
		proj := model.Estimate(uint64(ctxSize), ngl)
		if !fitsBudget(proj.RAM, tel.AvailableRAM) || !fitsBudget(proj.VRAM, vramBudget) {
			return Plan{}, fmt.Errorf("forced configuration over budget (need %d RAM / %d VRAM): %w",
				proj.RAM, proj.VRAM, ErrInsufficientResources)
		}
		return Plan{
			OffloadLayers: ngl,
			ContextSize:   uint64(ctxSize),
			Threads:       threads,
			HeadroomBytes: headroom(tel.AvailableRAM),
			Projected:     proj,
		}, nil
	}

	// Walk offload down from all layers until the projection fits both
	// budgets. Without an accelerator the only candidate is zero offload.
	start := totalLayers
	if !tel.HasAccelerator() {
		start = 0
	}
	for ngl := int64(start); ngl >= 0; ngl-- {
		proj := model.Estimate(uint64(ctxSize), uint64(ngl))
		if !fitsBudget(proj.VRAM, vramBudget) {
			continue
		}
		if !fitsBudget(proj.RAM, tel.AvailableRAM) {
			// Less offload only moves more weight into RAM, so no smaller
			// offload count can fit either.
			break
		}
		return Plan{
			OffloadLayers: uint64(ngl),
			ContextSize:   uint64(ctxSize),
			Threads:       threads,
			HeadroomBytes: headroom(tel.AvailableRAM),
			Projected:     proj,
		}, nil
	}

	return Plan{}, fmt.Errorf(
		"model needs more memory than the %d bytes available: %w",
		tel.AvailableRAM, ErrInsufficientResources,
	)
}
