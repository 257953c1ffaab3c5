// gpt2 is a command-line interface to finetune GPT-2 models on custom
// text and generate text from them.
package main

import (
	goflag "flag"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

// modelService is the model service specification, in the form
// "name" or "name:config", resolved with gpt2.NewModelService.
var modelService string

var rootCmd = &cobra.Command{
	Use:   "gpt2",
	Short: "Finetune GPT-2 models and generate text from them",
	Long: `gpt2 wraps a GPT-2 model service with convenient workflows:
downloading pretrained models, encoding datasets, finetuning on custom
text and generating text from finetuned checkpoints.`,
	SilenceUsage: true,
}

func main() {
	klog.InitFlags(nil)
	rootCmd.PersistentFlags().AddGoFlagSet(goflag.CommandLine)
	rootCmd.PersistentFlags().StringVar(&modelService, "service", "",
		`model service to use, in the form "name" or "name:config"`)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %+v\n", err)
		os.Exit(1)
	}
}
