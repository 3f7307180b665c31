package commands

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engineapi"
)

func newTokenizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tokenize INSTANCE [TEXT]",
		Short: "Convert text to token ids",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, err := promptArg(cmd, args, 1)
			if err != nil {
				return err
			}
			client, session, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			resp, err := client.Tokenize(cmd.Context(), engineapi.TokenizeRequest{Content: text})
			if err != nil {
				return err
			}
			ids := make([]string, len(resp.Tokens))
			for i, tok := range resp.Tokens {
				ids[i] = strconv.FormatInt(int64(tok), 10)
			}
			cmd.Println(strings.Join(ids, " "))
			return nil
		},
	}
}

func newDetokenizeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "detokenize INSTANCE TOKEN...",
		Short: "Convert token ids back to text",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			tokens := make([]int32, 0, len(args)-1)
			for _, arg := range args[1:] {
				id, err := strconv.ParseInt(arg, 10, 32)
				if err != nil {
					return fmt.Errorf("invalid token id %q: %w", arg, err)
				}
				tokens = append(tokens, int32(id))
			}
			client, session, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			resp, err := client.Detokenize(cmd.Context(), engineapi.DetokenizeRequest{Tokens: tokens})
			if err != nil {
				return err
			}
			cmd.Println(resp.Content)
			return nil
		},
	}
}
