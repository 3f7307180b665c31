package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/llamakiln/kiln/pkg/engineapi"
)

type samplingFlags struct {
	maxTokens   int
	temperature float64
	topK        int
	topP        float64
	minP        float64
	seed        int64
	grammar     string
	stop        []string
}

func (f *samplingFlags) register(c *cobra.Command) {
	flags := c.Flags()
	flags.IntVarP(&f.maxTokens, "max-tokens", "n", 0, "max tokens to generate (0 lets the engine decide)")
	flags.Float64Var(&f.temperature, "temperature", 0, "sampling temperature")
	flags.IntVar(&f.topK, "top-k", 0, "top-k sampling cutoff")
	flags.Float64Var(&f.topP, "top-p", 0, "top-p sampling cutoff")
	flags.Float64Var(&f.minP, "min-p", 0, "min-p sampling cutoff")
	flags.Int64Var(&f.seed, "seed", 0, "sampling seed")
	flags.StringVar(&f.grammar, "grammar", "", "GBNF grammar constraining the output")
	flags.StringArrayVar(&f.stop, "stop", nil, "stop sequence (repeatable)")
}

func (f *samplingFlags) params(c *cobra.Command) engineapi.SamplingParams {
	p := engineapi.SamplingParams{
		Temperature: f.temperature,
		TopK:        f.topK,
		TopP:        f.topP,
		MinP:        f.minP,
		Grammar:     f.grammar,
		Stop:        f.stop,
	}
	if c.Flags().Changed("seed") {
		seed := f.seed
		p.Seed = &seed
	}
	return p
}

// promptArg returns the prompt from the trailing argument, or stdin when it
// is absent or "-".
func promptArg(cmd *cobra.Command, args []string, index int) (string, error) {
	if len(args) > index && args[index] != "-" {
		return args[index], nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("reading prompt from stdin: %w", err)
	}
	return string(data), nil
}

func newCompleteCmd(a *app) *cobra.Command {
	var f samplingFlags
	var usage bool
	c := &cobra.Command{
		Use:   "complete INSTANCE [PROMPT]",
		Short: "Generate a completion for a prompt",
		Long: `Generate a completion for a prompt on a running engine.

The prompt is the trailing argument, or stdin when the argument is absent
or "-".`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt, err := promptArg(cmd, args, 1)
			if err != nil {
				return err
			}
			client, session, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			resp, err := client.Completion(cmd.Context(), engineapi.CompletionRequest{
				Prompt:         prompt,
				MaxTokens:      f.maxTokens,
				SamplingParams: f.params(cmd),
			})
			if err != nil {
				return err
			}
			cmd.Println(resp.Content)
			if usage {
				cmd.PrintErrf("tokens: %d evaluated, %d predicted, %d cached\n",
					resp.Evaluated, resp.Predicted, resp.Cached)
			}
			return nil
		},
	}
	f.register(c)
	c.Flags().BoolVar(&usage, "usage", false, "report token usage on stderr")
	return c
}

func newInfillCmd(a *app) *cobra.Command {
	var f samplingFlags
	var prefix, suffix string
	c := &cobra.Command{
		Use:   "infill INSTANCE",
		Short: "Fill in code between a prefix and a suffix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, session, _, err := a.connect(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer session.Close()

			resp, err := client.Infill(cmd.Context(), engineapi.InfillRequest{
				Prefix:         prefix,
				Suffix:         suffix,
				MaxTokens:      f.maxTokens,
				SamplingParams: f.params(cmd),
			})
			if err != nil {
				return err
			}
			cmd.Println(resp.Content)
			return nil
		},
	}
	f.register(c)
	c.Flags().StringVar(&prefix, "prefix", "", "text before the gap")
	c.Flags().StringVar(&suffix, "suffix", "", "text after the gap")
	return c
}
