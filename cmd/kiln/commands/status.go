package commands

import (
	"github.com/spf13/cobra"
)

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status INSTANCE",
		Short: "Show a running engine's health and model properties",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, session, instance, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			status, err := client.Health(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("instance:  %s (pid %d)\n", instance.ID, instance.PID)
			cmd.Printf("endpoint:  %s\n", instance.Endpoint)
			cmd.Printf("toolchain: %s\n", instance.Toolchain)
			cmd.Printf("health:    %s\n", status.State)

			props, err := client.Props(cmd.Context())
			if err != nil {
				// Health answered, so report what we have instead of failing.
				a.log.Debugf("props query failed: %v", err)
				return nil
			}
			cmd.Printf("model:     %s\n", props.DefaultGenerationSettings.Model)
			cmd.Printf("context:   %d\n", props.DefaultGenerationSettings.NCtx)
			cmd.Printf("slots:     %d\n", props.TotalSlots)
			return nil
		},
	}
}
