package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2"
	"github.com/DMsGuild201/gpt-2-dnd/gpt2/commandline"
	"github.com/DMsGuild201/gpt-2-dnd/gpt2/data"
)

type finetuneArgs struct {
	runName       string
	checkpointDir string
	sampleDir     string
	modelName     string
	modelDir      string
	combine       int
	steps         int
	batchSize     int
	learningRate  float64
	accumulate    int
	restoreFrom   string
	sampleEvery   int
	sampleLength  int
	sampleNum     int
	saveEvery     int
	printEvery    int
	maxCheckpoint int
	optimizer     string
	overwrite     bool
	onlyTrainTr   bool
	memSaving     bool
	multiGPU      bool
	weights       []float64
	plainOutput   bool
}

func newFinetuneCmd() *cobra.Command {
	var args finetuneArgs
	cmd := &cobra.Command{
		Use:   "finetune <dataset> [<dataset>...]",
		Short: "Finetune a GPT-2 model on one or more text datasets",
		Long: `Finetune a GPT-2 model on custom text.

Each dataset may be a text file, a pre-encoded .tok file or a directory of
text files. With more than one dataset, use --weights to bias how often
each one is sampled.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, posArgs []string) error {
			model, err := gpt2.NewModelService(modelService)
			if err != nil {
				return err
			}
			var spec data.Spec
			if len(posArgs) == 1 {
				spec = data.Single{Path: posArgs[0]}
			} else {
				spec = data.Multiple{Paths: posArgs, Weights: args.weights}
			}
			ft := gpt2.NewSession(model).Finetuner(spec).
				RunName(args.runName).
				CheckpointDir(args.checkpointDir).
				SampleDir(args.sampleDir).
				ModelName(args.modelName).
				ModelDir(args.modelDir).
				Combine(args.combine).
				Steps(args.steps).
				BatchSize(args.batchSize).
				LearningRate(args.learningRate).
				AccumulateGradients(args.accumulate).
				RestoreFrom(gpt2.ParseRestoreFrom(args.restoreFrom)).
				SampleEvery(args.sampleEvery).
				SampleLength(args.sampleLength).
				SampleNum(args.sampleNum).
				SaveEvery(args.saveEvery).
				PrintEvery(args.printEvery).
				MaxCheckpoints(args.maxCheckpoint).
				Optimizer(args.optimizer).
				Overwrite(args.overwrite).
				OnlyTrainTransformerLayers(args.onlyTrainTr).
				UseMemorySavingGradients(args.memSaving).
				MultiGPU(args.multiGPU)
			if !args.plainOutput {
				ft = ft.Reporter(commandline.NewReporter())
			}
			runner, err := ft.Done()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			return runner.Run(ctx)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&args.runName, "run", "run1", "run name, a subdirectory of the checkpoint directory")
	flags.StringVar(&args.checkpointDir, "checkpoint-dir", "checkpoint", "directory where run checkpoints are saved")
	flags.StringVar(&args.sampleDir, "sample-dir", "samples", "directory where generated samples are saved")
	flags.StringVar(&args.modelName, "model", "124M", "pretrained model name")
	flags.StringVar(&args.modelDir, "model-dir", "models", "directory holding downloaded pretrained models")
	flags.IntVar(&args.combine, "combine", 50000, "concatenate texts shorter than this before encoding")
	flags.IntVar(&args.steps, "steps", -1, "number of training steps to run, -1 trains until interrupted")
	flags.IntVar(&args.batchSize, "batch-size", 1, "training batch size")
	flags.Float64Var(&args.learningRate, "learning-rate", 0.0001, "optimizer learning rate")
	flags.IntVar(&args.accumulate, "accumulate", 5, "number of batches to accumulate gradients over")
	flags.StringVar(&args.restoreFrom, "restore-from", "latest", `checkpoint to resume from: "latest", "fresh" or a path`)
	flags.IntVar(&args.sampleEvery, "sample-every", 100, "generate samples every this many steps")
	flags.IntVar(&args.sampleLength, "sample-length", 1023, "length of generated samples, in tokens")
	flags.IntVar(&args.sampleNum, "sample-num", 1, "number of samples to generate each time")
	flags.IntVar(&args.saveEvery, "save-every", 1000, "save a checkpoint every this many steps")
	flags.IntVar(&args.printEvery, "print-every", 1, "report the loss every this many steps")
	flags.IntVar(&args.maxCheckpoint, "max-checkpoints", 1, "maximum number of checkpoints to keep")
	flags.StringVar(&args.optimizer, "optimizer", "adam", `optimizer to use: "adam" or "sgd"`)
	flags.BoolVar(&args.overwrite, "overwrite", false, "restart the run, deleting its previous checkpoints")
	flags.BoolVar(&args.onlyTrainTr, "only-train-transformer-layers", false, "freeze the embedding layers during training")
	flags.BoolVar(&args.memSaving, "memory-saving-gradients", false, "trade compute for memory during backprop")
	flags.BoolVar(&args.multiGPU, "multi-gpu", false, "spread the model across all available GPUs")
	flags.Float64SliceVar(&args.weights, "weights", nil, "sampling weights, one per dataset")
	flags.BoolVar(&args.plainOutput, "plain", false, "plain line-per-step output instead of the progress bar")
	return cmd
}

func init() {
	rootCmd.AddCommand(newFinetuneCmd())
}
