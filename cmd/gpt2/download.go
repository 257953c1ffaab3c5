package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/download"
)

func newDownloadCmd() *cobra.Command {
	var modelDir string
	cmd := &cobra.Command{
		Use:   "download [<model>]",
		Short: "Download a pretrained GPT-2 model",
		Long: `Download a pretrained GPT-2 model, by default the 124M one.
Other released sizes are 355M, 774M and 1558M.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			modelName := "124M"
			if len(posArgs) > 0 {
				modelName = posArgs[0]
			}
			if download.IsDownloaded(modelDir, modelName) {
				fmt.Printf("Model %s already downloaded to %s\n", modelName, modelDir)
				return nil
			}
			fmt.Printf("Downloading model %s to %s\n", modelName, modelDir)
			return download.Model(modelDir, modelName)
		},
	}
	cmd.Flags().StringVar(&modelDir, "model-dir", "models", "directory to download the model to")
	return cmd
}

func init() {
	rootCmd.AddCommand(newDownloadCmd())
}
