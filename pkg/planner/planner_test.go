package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llamakiln/kiln/pkg/hwinfo"
	"github.com/llamakiln/kiln/pkg/modelinfo"
)

const gib = 1 << 30

// fakeModel charges a fixed base to RAM and moves a per-layer weight cost to
// VRAM as layers are offloaded, roughly how real estimates behave.
type fakeModel struct {
	layers       uint64
	trainContext uint64
	layerBytes   uint64
	baseRAM      uint64
	perTokenRAM  uint64
}

func (m fakeModel) Layers() uint64       { return m.layers }
func (m fakeModel) TrainContext() uint64 { return m.trainContext }

func (m fakeModel) Estimate(contextSize, offloadLayers uint64) modelinfo.Projection {
	if offloadLayers > m.layers {
		offloadLayers = m.layers
	}
	onHost := m.layers - offloadLayers
	return modelinfo.Projection{
		RAM:  m.baseRAM + onHost*m.layerBytes + contextSize*m.perTokenRAM,
		VRAM: offloadLayers * m.layerBytes,
	}
}

func cpuOnlyHost(availRAM uint64) hwinfo.Telemetry {
	return hwinfo.Telemetry{
		TotalRAM:     availRAM * 2,
		AvailableRAM: availRAM,
		LogicalCores: 8,
	}
}

func gpuHost(availRAM, freeVRAM uint64) hwinfo.Telemetry {
	tel := cpuOnlyHost(availRAM)
	tel.GPUs = []hwinfo.GPU{{
		Name:      "test gpu",
		Vendor:    "NVIDIA",
		TotalVRAM: freeVRAM * 2,
		FreeVRAM:  freeVRAM,
	}}
	return tel
}

func smallModel() fakeModel {
	return fakeModel{
		layers:       32,
		trainContext: 8192,
		layerBytes:   64 << 20,
		baseRAM:      512 << 20,
		perTokenRAM:  16 << 10,
	}
}

func TestComputeFullOffloadWhenVRAMFits(t *testing.T) {
	plan, err := Compute(smallModel(), gpuHost(16*gib, 16*gib), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, uint64(32), plan.OffloadLayers)
	assert.Equal(t, uint64(DefaultContext), plan.ContextSize)
	assert.Equal(t, 4, plan.Threads)
}

func TestComputePartialOffloadUnderVRAMPressure(t *testing.T) {
	// Room for roughly half the layers after headroom.
	plan, err := Compute(smallModel(), gpuHost(16*gib, 2*gib), Overrides{})
	require.NoError(t, err)
	assert.Greater(t, plan.OffloadLayers, uint64(0))
	assert.Less(t, plan.OffloadLayers, uint64(32))
}

func TestComputeZeroOffloadWithoutAccelerator(t *testing.T) {
	plan, err := Compute(smallModel(), cpuOnlyHost(16*gib), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), plan.OffloadLayers)
	assert.Zero(t, plan.Projected.VRAM)
}

func TestComputeInsufficientRAM(t *testing.T) {
	_, err := Compute(smallModel(), cpuOnlyHost(256<<20), Overrides{})
	require.ErrorIs(t, err, ErrInsufficientResources)
}

func TestComputeContextClampedToTrainContext(t *testing.T) {
	model := smallModel()
	model.trainContext = 2048
	plan, err := Compute(model, cpuOnlyHost(16*gib), Overrides{})
	require.NoError(t, err)
	assert.Equal(t, uint64(2048), plan.ContextSize)
}

func TestComputeContextOverride(t *testing.T) {
	ctxSize := uint64(16384)
	plan, err := Compute(smallModel(), gpuHost(16*gib, 16*gib), Overrides{ContextSize: &ctxSize})
	require.NoError(t, err)
	assert.Equal(t, ctxSize, plan.ContextSize)
}

func TestComputeContextBelowMinimumRejected(t *testing.T) {
	ctxSize := uint64(MinContext - 1)
	_, err := Compute(smallModel(), cpuOnlyHost(16*gib), Overrides{ContextSize: &ctxSize})
	require.Error(t, err)
}

func TestComputeOffloadOverrideValidated(t *testing.T) {
	too := uint64(33)
	_, err := Compute(smallModel(), gpuHost(16*gib, 16*gib), Overrides{OffloadLayers: &too})
	require.Error(t, err)

	some := uint64(4)
	_, err = Compute(smallModel(), cpuOnlyHost(16*gib), Overrides{OffloadLayers: &some})
	require.Error(t, err, "offload without an accelerator must be rejected")
}

func TestComputeOffloadOverrideOverBudget(t *testing.T) {
	all := uint64(32)
	_, err := Compute(smallModel(), gpuHost(16*gib, 512<<20), Overrides{OffloadLayers: &all})
	require.ErrorIs(t, err, ErrInsufficientResources)
}

func TestComputeThreadOverride(t *testing.T) {
	threads := 3
	plan, err := Compute(smallModel(), cpuOnlyHost(16*gib), Overrides{Threads: &threads})
	require.NoError(t, err)
	assert.Equal(t, 3, plan.Threads)

	bad := 0
	_, err = Compute(smallModel(), cpuOnlyHost(16*gib), Overrides{Threads: &bad})
	require.Error(t, err)
}

func TestFitsBudgetReservesHeadroom(t *testing.T) {
	assert.True(t, fitsBudget(0, 0))
	assert.False(t, fitsBudget(1, headroomFloor))
	assert.True(t, fitsBudget(gib, 2*gib+headroomFloor))
}
