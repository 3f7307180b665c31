package commands

import (
	"bytes"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engine"
)

func newPSCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ps",
		Short: "List running engines",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			instances, err := a.registry.List()
			if err != nil {
				return err
			}
			cmd.Print(psTable(instances))
			return nil
		},
	}
}

func psTable(instances []engine.Instance) string {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)

	table.SetHeader([]string{"ID", "PID", "MODEL", "ENDPOINT", "TOOLCHAIN", "UP"})

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
		tablewriter.ALIGN_LEFT,
	})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)

	for _, instance := range instances {
		table.Append([]string{
			instance.ID,
			strconv.Itoa(instance.PID),
			instance.Model,
			instance.Endpoint.String(),
			instance.Toolchain.String(),
			units.HumanDuration(time.Since(instance.StartedAt)),
		})
	}

	table.Render()
	return buf.String()
}
