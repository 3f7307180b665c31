package commands

import (
	"github.com/spf13/cobra"
)

func newResolveCmd(a *app) *cobra.Command {
	var tag, variant string
	c := &cobra.Command{
		Use:   "resolve",
		Short: "Acquire an engine build, downloading or building it if needed",
		Long: `Acquire the engine build for the given release tag and backend variant.

Pre-built release archives are downloaded when the project publishes one for
this platform; otherwise the release source is fetched and built with cmake.
A build already in the cache is returned as is.`,
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
			build, err := store.Resolve(cmd.Context(), spec)
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
