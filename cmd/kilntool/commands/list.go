package commands

import (
	"bytes"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/toolchain"
)

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List cached engine builds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.store()
			if err != nil {
				return err
			}
			builds, err := store.List()
			if err != nil {
				return err
			}
			cmd.Print(buildTable(builds))
			return nil
		},
	}
}

func buildTable(builds []toolchain.CachedBuild) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"TAG", "VARIANT", "PLATFORM", "DIGEST", "CREATED"})

	table.SetBorder(false)
	table.SetColumnSeparator("")
	table.SetHeaderLine(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)

	table.SetColumnAlignment([]int{
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
		tablewriter.ALIGN_LEFT,
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, build := range builds {
		digest := build.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}
		table.Append([]string{
			build.Spec.Tag,
			string(build.Spec.Variant),
			build.Spec.Platform.String(),
			digest,
			units.HumanDuration(time.Since(build.CreatedAt)) + " ago",
		})
	}

	table.Render()
	return buf.String()
}
