package main

import (
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/encoder"
)

type encodeArgs struct {
	modelName  string
	modelDir   string
	combine    int
	header     bool
	startToken string
	endToken   string
}

func newEncodeCmd() *cobra.Command {
	var args encodeArgs
	cmd := &cobra.Command{
		Use:   "encode <input> <output>",
		Short: "Pre-encode a dataset for faster finetuning",
		Long: `Pre-encode a text dataset into a binary token file (use a .tok
output extension), so finetune does not re-encode it on every run.

A .csv input is instead converted to a text file, wrapping each row with
start and end marker tokens.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			inPath, outPath := posArgs[0], posArgs[1]
			if strings.ToLower(path.Ext(inPath)) == ".csv" {
				return encoder.EncodeCSV(inPath, outPath, args.header, args.startToken, args.endToken)
			}
			enc, err := encoder.Load(path.Join(args.modelDir, args.modelName))
			if err != nil {
				return err
			}
			return encoder.EncodeDataset(enc, inPath, outPath, args.combine)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&args.modelName, "model", "124M", "model whose encoder to use")
	flags.StringVar(&args.modelDir, "model-dir", "models", "directory holding downloaded pretrained models")
	flags.IntVar(&args.combine, "combine", 50000, "concatenate texts shorter than this before encoding")
	flags.BoolVar(&args.header, "header", true, "skip the first CSV row")
	flags.StringVar(&args.startToken, "start-token", encoder.DefaultStartToken, "marker prepended to each CSV row")
	flags.StringVar(&args.endToken, "end-token", encoder.DefaultEndToken, "marker appended to each CSV row")
	return cmd
}

func init() {
	rootCmd.AddCommand(newEncodeCmd())
}
