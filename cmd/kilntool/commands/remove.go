package commands

import (
	"github.com/spf13/cobra"
)

func newRemoveCmd(a *app) *cobra.Command {
	var tag, variant string
	c := &cobra.Command{
		Use:   "remove",
		Short: "Evict one cached engine build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.specFromFlags(tag, variant)
			if err != nil {
				return err
			}
			store, err := a.store()
			if err != nil {
				return err
			}
			if err := store.Remove(spec); err != nil {
				return err
			}
			cmd.Printf("removed %s\n", spec)
			return nil
		},
	}
	c.Flags().StringVar(&tag, "tag", "", "engine release tag")
	c.Flags().StringVar(&variant, "variant", "", "backend variant (cpu, cuda, cudnn, metal)")
	return c
}

func newPurgeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Evict every cached engine build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			if err := store.Purge(); err != nil {
				return err
			}
			cmd.Println("toolchain cache purged")
			return nil
		},
	}
}
