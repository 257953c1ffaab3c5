package main

import (
	"fmt"
	"os"
	"path"
	"time"

	"github.com/spf13/cobra"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2"
)

type generateArgs struct {
	runName       string
	checkpointDir string
	modelName     string
	modelDir      string
	checkpoint    string
	nsamples      int
	batchSize     int
	length        int
	temperature   float64
	topK          int
	topP          float64
	seed          int64
	prefix        string
	truncate      string
	excludePrefix bool
	splitContext  float64
	sampleDelim   string
	nFiles        int
	folder        string
}

func newGenerateCmd() *cobra.Command {
	var args generateArgs
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate text from a finetuned GPT-2 model",
		Long: `Generate text from a finetuned checkpoint, or from a pretrained
model with --model.

By default samples are printed to stdout. With --nfiles they are written
to timestamped files under --folder instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			model, err := gpt2.NewModelService(modelService)
			if err != nil {
				return err
			}
			sess := gpt2.NewSession(model)
			err = sess.Load().
				RunName(args.runName).
				CheckpointDir(args.checkpointDir).
				ModelName(args.modelName).
				ModelDir(args.modelDir).
				Checkpoint(args.checkpoint).
				Done()
			if err != nil {
				return err
			}
			config := sess.Generator().
				NSamples(args.nsamples).
				BatchSize(args.batchSize).
				Length(args.length).
				Temperature(args.temperature).
				TopK(args.topK).
				TopP(args.topP).
				Seed(args.seed).
				Truncate(args.truncate).
				IncludePrefix(!args.excludePrefix).
				SplitContext(args.splitContext).
				SampleDelim(args.sampleDelim)
			if args.prefix != "" {
				config = config.Prefix(args.prefix)
			}
			if args.nFiles <= 0 {
				gen, err := config.Done()
				if err != nil {
					return err
				}
				return gen.Print(cmd.Context())
			}
			if err := os.MkdirAll(args.folder, 0770); err != nil {
				return err
			}
			for ii := 0; ii < args.nFiles; ii++ {
				gen, err := config.Done()
				if err != nil {
					return err
				}
				fileName := fmt.Sprintf("gpt2_gentext_%s.txt", time.Now().Format("20060102_150405"))
				filePath := path.Join(args.folder, fileName)
				if err := gen.ToFile(cmd.Context(), filePath); err != nil {
					return err
				}
				fmt.Println("Wrote", filePath)
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&args.runName, "run", "run1", "run name with the finetuned checkpoint")
	flags.StringVar(&args.checkpointDir, "checkpoint-dir", "checkpoint", "directory where run checkpoints are saved")
	flags.StringVar(&args.modelName, "model", "", "use a pretrained model instead of a finetuned run")
	flags.StringVar(&args.modelDir, "model-dir", "models", "directory holding downloaded pretrained models")
	flags.StringVar(&args.checkpoint, "checkpoint", "latest", `checkpoint to load: "latest" or a path`)
	flags.IntVar(&args.nsamples, "nsamples", 1, "number of samples to generate")
	flags.IntVar(&args.batchSize, "batch-size", 1, "samples generated in parallel, must divide nsamples")
	flags.IntVar(&args.length, "length", 1023, "number of tokens to generate per sample, 0 generates until --truncate matches")
	flags.Float64Var(&args.temperature, "temperature", 0.7, "sampling temperature, higher is more random")
	flags.IntVar(&args.topK, "top-k", 0, "restrict sampling to the k most likely tokens, 0 disables")
	flags.Float64Var(&args.topP, "top-p", 0, "nucleus sampling cumulative probability, 0 disables")
	flags.Int64Var(&args.seed, "seed", 0, "random seed for reproducible sampling, 0 picks one")
	flags.StringVar(&args.prefix, "prefix", "", "text to seed the generation with")
	flags.StringVar(&args.truncate, "truncate", "", "truncate each sample at the first occurrence of this text")
	flags.BoolVar(&args.excludePrefix, "exclude-prefix", false, "remove the prefix from the returned samples")
	flags.Float64Var(&args.splitContext, "split-context", 0.5, "fraction of the window kept as context when generating past the model window")
	flags.StringVar(&args.sampleDelim, "sample-delim", gpt2.DefaultSampleDelim, "delimiter printed between samples")
	flags.IntVar(&args.nFiles, "nfiles", 0, "write samples to this many timestamped files instead of stdout")
	flags.StringVar(&args.folder, "folder", "gen", "directory for the files written with --nfiles")
	return cmd
}

func init() {
	rootCmd.AddCommand(newGenerateCmd())
}
