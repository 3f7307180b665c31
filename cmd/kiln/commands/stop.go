package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engine"
)

func newStopCmd(a *app) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "stop [INSTANCE]",
		Short: "Stop a running engine",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all {
				instances, err := a.registry.List()
				if err != nil {
					return err
				}
				for _, instance := range instances {
					if err := engine.StopInstance(cmd.Context(), a.log, a.registry, a.platform, instance); err != nil {
						return err
					}
					cmd.Printf("stopped %s\n", instance.ID)
				}
				return nil
			}
			if len(args) != 1 {
				return fmt.Errorf("an instance id or --all is required")
			}
			instance, err := a.registry.Get(args[0])
			if err != nil {
				return err
			}
			if err := engine.StopInstance(cmd.Context(), a.log, a.registry, a.platform, instance); err != nil {
				return err
			}
			cmd.Printf("stopped %s\n", instance.ID)
			return nil
		},
	}
	c.Flags().BoolVar(&all, "all", false, "stop every running engine")
	return c
}
