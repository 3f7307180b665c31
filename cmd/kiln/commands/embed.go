package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engineapi"
)

func newEmbedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "embed INSTANCE TEXT...",
		Short: "Compute embedding vectors",
		Long: `Compute an embedding vector for each input text. The engine must have
been started with --embeddings. Vectors are printed as JSON, one line per
input, in input order.`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, session, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			resp, err := client.Embeddings(cmd.Context(), engineapi.EmbeddingsRequest{
				Inputs: args[1:],
			})
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, embedding := range resp.Embeddings {
				if err := enc.Encode(embedding.Vector); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
