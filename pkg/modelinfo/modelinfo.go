// Package modelinfo extracts the model metadata needed for memory planning
// from GGUF files. Everything beyond sizing (tensor contents, tokenizer data)
// is deliberately left opaque.
package modelinfo

import (
	"fmt"

	parser "github.com/gpustack/gguf-parser-go"
)

// Metadata summarizes a model for planning and display.
type Metadata struct {
	// Name is the model name recorded in the GGUF header.
	Name string
	// Architecture is the model family (llama, qwen2, ...).
	Architecture string
	// Layers is the transformer block count.
	Layers uint64
	// SizeBytes is the total size of the model weights.
	SizeBytes uint64
	// Parameters is the parameter count.
	Parameters uint64
	// Quantization is the file type label (Q4_K_M, F16, ...).
	Quantization string
	// TrainContext is the maximum context length the model was trained with.
	TrainContext uint64
}

// LayerSizeBytes estimates the average per-layer weight footprint.
func (m Metadata) LayerSizeBytes() uint64 {
	if m.Layers == 0 {
		return m.SizeBytes
	}
	return m.SizeBytes / m.Layers
}

// Projection is a projected memory footprint for one run configuration.
type Projection struct {
	// RAM is the projected host memory use in bytes.
	RAM uint64
	// VRAM is the projected accelerator memory use in bytes.
	VRAM uint64
}

// Model is a parsed GGUF file usable by the resource planner.
type Model struct {
	meta Metadata
	gguf *parser.GGUFFile
}

// Parse reads the GGUF metadata of the model at path.
func Parse(path string) (*Model, error) {
	gf, err := parser.ParseGGUFFile(path)
	if err != nil {
		return nil, fmt.Errorf("parsing gguf %q: %w", path, err)
	}
	md := gf.Metadata()
	arch := gf.Architecture()
	return &Model{
		meta: Metadata{
			Name:         md.Name,
			Architecture: md.Architecture,
			Layers:       arch.BlockCount,
			SizeBytes:    uint64(md.Size),
			Parameters:   uint64(md.Parameters),
			Quantization: md.FileType.String(),
			TrainContext: arch.MaximumContextLength,
		},
		gguf: gf,
	}, nil
}

// Metadata returns the parsed summary.
func (m *Model) Metadata() Metadata {
	return m.meta
}

// Layers returns the transformer block count.
func (m *Model) Layers() uint64 {
	return m.meta.Layers
}

// TrainContext returns the training context length.
func (m *Model) TrainContext() uint64 {
	return m.meta.TrainContext
}

// Estimate projects the memory footprint of running the model with the given
// context size and accelerator offload. Device 0 is host memory; any further
// devices are accelerators.
func (m *Model) Estimate(contextSize, offloadLayers uint64) Projection {
	estimate := m.gguf.EstimateLLaMACppRun(
		parser.WithLLaMACppContextSize(int32(contextSize)),
		parser.WithLLaMACppLogicalBatchSize(2048),
		parser.WithLLaMACppOffloadLayers(offloadLayers),
	)
	proj := Projection{
		RAM: uint64(estimate.Devices[0].Weight.Sum() +
			estimate.Devices[0].KVCache.Sum() +
			estimate.Devices[0].Computation.Sum()),
	}
	for _, dev := range estimate.Devices[1:] {
		proj.VRAM += uint64(dev.Weight.Sum() + dev.KVCache.Sum() + dev.Computation.Sum())
	}
	return proj
}
