package commands

import (
	"path/filepath"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/hwinfo"
	"github.com/llamakiln/kiln/pkg/modelinfo"
	"github.com/llamakiln/kiln/pkg/planner"
)

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect MODEL.gguf",
		Short: "Show model metadata and the launch plan for this host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			modelPath, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			model, err := modelinfo.Parse(modelPath)
			if err != nil {
				return err
			}
			md := model.Metadata()
			cmd.Printf("name:          %s\n", md.Name)
			cmd.Printf("architecture:  %s\n", md.Architecture)
			cmd.Printf("quantization:  %s\n", md.Quantization)
			cmd.Printf("parameters:    %s\n", units.HumanSize(float64(md.Parameters)))
			cmd.Printf("weights:       %s\n", units.BytesSize(float64(md.SizeBytes)))
			cmd.Printf("layers:        %d\n", md.Layers)
			cmd.Printf("train context: %d\n", md.TrainContext)

			tel, err := hwinfo.Snapshot(cmd.Context(), a.log)
			if err != nil {
				return err
			}
			cmd.Printf("\nhost: %d cores, %s RAM available", tel.LogicalCores, units.BytesSize(float64(tel.AvailableRAM)))
			for _, gpu := range tel.GPUs {
				cmd.Printf(", %s (%s VRAM free)", gpu.Name, units.BytesSize(float64(gpu.FreeVRAM)))
			}
			cmd.Println()

			plan, err := planner.Compute(model, tel, planner.Overrides{})
			if err != nil {
				return err
			}
			cmd.Printf("plan: offload %d/%d layers, context %d, %d threads, %s RAM + %s VRAM projected\n",
				plan.OffloadLayers, model.Layers(), plan.ContextSize, plan.Threads,
				units.BytesSize(float64(plan.Projected.RAM)),
				units.BytesSize(float64(plan.Projected.VRAM)),
			)
			return nil
		},
	}
}
