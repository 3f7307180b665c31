package commands

import (
	"github.com/spf13/cobra"
)

func newBuildCmd(a *app) *cobra.Command {
	var tag, variant string
	c := &cobra.Command{
		Use:   "build",
		Short: "Build an engine from source, replacing any cached build",
		Long: `Fetch the release source for the given tag and build it with cmake, even
when a pre-built archive is published for this platform. An existing cache
entry for the same tag and variant is replaced.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := a.specFromFlags(tag, variant)
			if err != nil {
				return err
			}
			store, err := a.store()
			if err != nil {
				return err
			}
			build, err := store.Build(cmd.Context(), spec)
			if err != nil {
				return err
			}
			cmd.Println(build.BinPath)
			return nil
		},
	}
	c.Flags().StringVar(&tag, "tag", "", "engine release tag")
	c.Flags().StringVar(&variant, "variant", "", "backend variant (cpu, cuda, cudnn, metal)")
	return c
}
