package gpt2

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/checkpoints"
	"github.com/DMsGuild201/gpt-2-dnd/gpt2/data"
	"github.com/DMsGuild201/gpt-2-dnd/gpt2/encoder"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// configFiles are copied from the base model directory into the run
// directory at the first finetune, so the run is self-contained.
var configFiles = []string{"hparams.json", "encoder.json", "vocab.bpe"}

// RestoreFrom selects which checkpoint seeds a finetuning run.
type RestoreFrom struct {
	fresh bool
	path  string
}

// RestoreLatest resumes from the run's most recent checkpoint, falling
// back to the pretrained base model for new runs. This is the default.
func RestoreLatest() RestoreFrom { return RestoreFrom{} }

// RestoreFresh always starts from the pretrained base model, ignoring any
// prior run checkpoints.
func RestoreFresh() RestoreFrom { return RestoreFrom{fresh: true} }

// RestoreFromPath resumes from the most recent checkpoint found at an
// explicit directory, failing if there is none.
func RestoreFromPath(path string) RestoreFrom { return RestoreFrom{path: path} }

// ParseRestoreFrom maps the CLI spelling ("latest", "fresh" or a path) to
// a RestoreFrom.
func ParseRestoreFrom(s string) RestoreFrom {
	switch s {
	case "", "latest":
		return RestoreLatest()
	case "fresh":
		return RestoreFresh()
	default:
		return RestoreFromPath(s)
	}
}

func (r RestoreFrom) isLatest() bool { return !r.fresh && r.path == "" }

// FinetuneConfig is a builder for a Finetuner. Create it with
// Session.Finetuner, configure, then call Done. The defaults match the
// workflows this layer has always shipped with: the 124M model, batches of
// one, gradient accumulation over 5 batches and a checkpoint every 1000
// steps.
type FinetuneConfig struct {
	sess *Session
	err  error

	spec          data.Spec
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
	restoreFrom   RestoreFrom
	sampleEvery   int
	sampleLength  int
	sampleNum     int
	saveEvery     int
	printEvery    int
	maxKeep       int
	optimizer     string
	memSaving     bool
	onlyTransform bool
	multiGPU      bool
	overwrite     bool
	enc           Encoder
	reporter      TrainingReporter
}

// Finetuner runs the training loop: one optimizer step per iteration over
// freshly sampled dataset windows, with periodic checkpoint saves and
// sample generation. Build it with Session.Finetuner.
type Finetuner struct {
	cfg     FinetuneConfig
	model   Trainable
	runDir  string
	handler *checkpoints.Handler
}

// Finetuner starts configuring a finetuning run on the dataset selected by
// spec.
func (s *Session) Finetuner(spec data.Spec) *FinetuneConfig {
	return &FinetuneConfig{
		sess:          s,
		spec:          spec,
		runName:       "run1",
		checkpointDir: "checkpoint",
		sampleDir:     "samples",
		modelName:     "124M",
		modelDir:      "models",
		combine:       50000,
		steps:         -1,
		batchSize:     1,
		learningRate:  0.0001,
		accumulate:    5,
		restoreFrom:   RestoreLatest(),
		sampleEvery:   100,
		sampleLength:  1023,
		sampleNum:     1,
		saveEvery:     1000,
		printEvery:    1,
		maxKeep:       1,
		optimizer:     "adam",
		reporter:      consoleReporter{},
	}
}

// RunName names the finetuning run; checkpoints and samples are stored
// under it.
func (c *FinetuneConfig) RunName(name string) *FinetuneConfig { c.runName = name; return c }

// CheckpointDir sets the parent directory of run checkpoint directories.
func (c *FinetuneConfig) CheckpointDir(dir string) *FinetuneConfig { c.checkpointDir = dir; return c }

// SampleDir sets the parent directory of per-run sample output.
func (c *FinetuneConfig) SampleDir(dir string) *FinetuneConfig { c.sampleDir = dir; return c }

// ModelName selects the pretrained base model to finetune.
func (c *FinetuneConfig) ModelName(name string) *FinetuneConfig { c.modelName = name; return c }

// ModelDir sets the parent directory of pretrained base models.
func (c *FinetuneConfig) ModelDir(dir string) *FinetuneConfig { c.modelDir = dir; return c }

// Combine sets the minimum number of text runes encoded per dataset chunk.
func (c *FinetuneConfig) Combine(n int) *FinetuneConfig { c.combine = n; return c }

// Steps sets the step budget; -1 trains until interrupted.
func (c *FinetuneConfig) Steps(n int) *FinetuneConfig { c.steps = n; return c }

// BatchSize sets how many dataset windows are drawn per training step.
func (c *FinetuneConfig) BatchSize(n int) *FinetuneConfig { c.batchSize = n; return c }

// LearningRate passed to the model service's optimizer.
func (c *FinetuneConfig) LearningRate(lr float64) *FinetuneConfig { c.learningRate = lr; return c }

// AccumulateGradients sums gradients over n batches before each optimizer
// update; 1 disables accumulation.
func (c *FinetuneConfig) AccumulateGradients(n int) *FinetuneConfig { c.accumulate = n; return c }

// RestoreFrom selects which checkpoint seeds the run.
func (c *FinetuneConfig) RestoreFrom(r RestoreFrom) *FinetuneConfig { c.restoreFrom = r; return c }

// SampleEvery generates intermediate samples every n steps.
func (c *FinetuneConfig) SampleEvery(n int) *FinetuneConfig { c.sampleEvery = n; return c }

// SampleLength sets the token length of intermediate samples.
func (c *FinetuneConfig) SampleLength(n int) *FinetuneConfig { c.sampleLength = n; return c }

// SampleNum sets how many intermediate samples are generated each time.
func (c *FinetuneConfig) SampleNum(n int) *FinetuneConfig { c.sampleNum = n; return c }

// SaveEvery saves a checkpoint every n steps.
func (c *FinetuneConfig) SaveEvery(n int) *FinetuneConfig { c.saveEvery = n; return c }

// PrintEvery reports progress every n steps.
func (c *FinetuneConfig) PrintEvery(n int) *FinetuneConfig { c.printEvery = n; return c }

// MaxCheckpoints sets how many checkpoints are kept; -1 keeps all.
func (c *FinetuneConfig) MaxCheckpoints(n int) *FinetuneConfig { c.maxKeep = n; return c }

// Optimizer selects the optimizer by name; see KnownOptimizers.
func (c *FinetuneConfig) Optimizer(name string) *FinetuneConfig { c.optimizer = name; return c }

// UseMemorySavingGradients trades compute for memory in the model
// service's gradient computation. Incompatible with gradient accumulation.
func (c *FinetuneConfig) UseMemorySavingGradients(on bool) *FinetuneConfig { c.memSaving = on; return c }

// OnlyTrainTransformerLayers freezes the embedding layers.
func (c *FinetuneConfig) OnlyTrainTransformerLayers(on bool) *FinetuneConfig {
	c.onlyTransform = on
	return c
}

// MultiGPU asks the model service to spread the graph over the available
// GPUs.
func (c *FinetuneConfig) MultiGPU(on bool) *FinetuneConfig { c.multiGPU = on; return c }

// Overwrite resets the run's checkpoint history while keeping its counter
// when resuming from the latest checkpoint.
func (c *FinetuneConfig) Overwrite(on bool) *FinetuneConfig { c.overwrite = on; return c }

// Encoder overrides the tokenizer instead of loading the BPE vocabulary
// files from the run directory.
func (c *FinetuneConfig) Encoder(enc Encoder) *FinetuneConfig { c.enc = enc; return c }

// Reporter replaces the default plain-line progress reporter.
func (c *FinetuneConfig) Reporter(r TrainingReporter) *FinetuneConfig { c.reporter = r; return c }

// Done validates the configuration and builds the Finetuner. All
// configuration and unsupported-combination errors surface here, before
// any model call.
func (c *FinetuneConfig) Done() (*Finetuner, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.spec == nil {
		return nil, errors.Errorf("finetuning requires a dataset")
	}
	model, ok := c.sess.model.(Trainable)
	if !ok {
		return nil, errors.Errorf("model service %T does not support training", c.sess.model)
	}
	if _, known := KnownOptimizers[c.optimizer]; !known {
		return nil, errors.Errorf("unknown optimizer %q (known: %s)", c.optimizer, knownOptimizerNames())
	}
	if c.accumulate > 1 {
		if c.memSaving {
			return nil, errors.Errorf("memory saving gradients are not supported together with gradient accumulation")
		}
		if _, ok := model.(GradientAccumulator); !ok {
			return nil, errors.Errorf("model service %T does not support gradient accumulation", c.sess.model)
		}
	}
	if c.batchSize < 1 || c.sampleNum < 1 || c.combine < 1 {
		return nil, errors.Errorf("batch size, sample count and combine must be positive")
	}
	if c.saveEvery < 1 || c.sampleEvery < 1 || c.printEvery < 1 {
		return nil, errors.Errorf("save, sample and print intervals must be positive")
	}

	runDir := filepath.Join(c.checkpointDir, c.runName)
	handler, err := checkpoints.Build().Dir(runDir).Keep(c.maxKeep).Done()
	if err != nil {
		return nil, err
	}
	return &Finetuner{cfg: *c, model: model, runDir: runDir, handler: handler}, nil
}

// Run executes the training loop until the step budget is exhausted or ctx
// is cancelled. Cancellation is polled between iterations only; both exits
// save a final checkpoint. Any other failure propagates without saving.
func (ft *Finetuner) Run(ctx context.Context) error {
	cfg := &ft.cfg
	sess := cfg.sess

	if err := ft.copyConfigFiles(); err != nil {
		return err
	}
	enc := cfg.enc
	if enc == nil {
		var err error
		enc, err = encoder.Load(ft.runDir)
		if err != nil {
			return err
		}
	}
	hparams, err := LoadHParams(ft.runDir)
	if err != nil {
		return err
	}
	if cfg.sampleLength > hparams.NCtx {
		return errors.Errorf("can't get samples longer than window size: %d", hparams.NCtx)
	}
	sess.enc = enc
	sess.hparams = hparams
	sess.loaded = true

	if err := ft.model.ConfigureTraining(TrainingOptions{
		Optimizer:                  cfg.optimizer,
		LearningRate:               cfg.learningRate,
		OnlyTrainTransformerLayers: cfg.onlyTransform,
		UseMemorySavingGradients:   cfg.memSaving,
		MultiGPU:                   cfg.multiGPU,
	}); err != nil {
		return errors.WithMessage(err, "configuring training")
	}
	if err := ft.restore(); err != nil {
		return err
	}

	fmt.Println("Loading dataset(s)...")
	sampler, err := data.NewSampler(enc, cfg.spec, cfg.combine)
	if err != nil {
		return err
	}
	fmt.Printf("dataset has %s tokens\n", humanize.Comma(int64(sampler.TotalSize())))

	counter := 1
	if cfg.restoreFrom.isLatest() {
		// Resume the step number; +1 so we don't immediately save again.
		saved, found, err := ft.handler.Counter()
		if err != nil {
			return err
		}
		if found {
			counter = saved + 1
		}
	}
	counterBase := counter

	save := func() error {
		return ft.handler.Save(ft.model, counter-1)
	}

	if cfg.overwrite && cfg.restoreFrom.isLatest() {
		if err := ft.handler.RemoveRunFiles(); err != nil {
			return err
		}
		if err := save(); err != nil {
			return err
		}
	}

	fmt.Println("Training...")
	endStep := -1
	if cfg.steps > 0 {
		endStep = counterBase + cfg.steps
	}
	cfg.reporter.OnStart(counter, endStep)

	avgLoss, avgWeight := 0.0, 0.0
	startTime := time.Now()
	for {
		if ctx.Err() != nil {
			fmt.Println("interrupted")
			if err := save(); err != nil {
				return err
			}
			cfg.reporter.OnEnd(counter)
			return nil
		}
		if cfg.steps > 0 && counter == counterBase+cfg.steps {
			if err := save(); err != nil {
				return err
			}
			cfg.reporter.OnEnd(counter)
			return nil
		}
		if (counter-1)%cfg.saveEvery == 0 && counter > 1 {
			if err := save(); err != nil {
				return err
			}
		}
		if (counter-1)%cfg.sampleEvery == 0 && counter > 1 {
			if err := ft.generateSamples(ctx, sampler, counter); err != nil {
				return err
			}
		}

		loss, err := ft.trainStep(ctx, sampler, hparams)
		if err != nil {
			return errors.WithMessagef(err, "training step %d", counter)
		}
		avgLoss = avgLoss*0.99 + loss
		avgWeight = avgWeight*0.99 + 1
		if counter%cfg.printEvery == 0 {
			cfg.reporter.OnStep(counter, loss, avgLoss/avgWeight, time.Since(startTime))
		}
		counter++
	}
}

// trainStep draws the batch(es) for one step and applies one optimizer
// update, accumulating gradients first when configured.
func (ft *Finetuner) trainStep(ctx context.Context, sampler data.Sampler, hparams HParams) (float64, error) {
	cfg := &ft.cfg
	sampleBatch := func() [][]int32 {
		batch := make([][]int32, cfg.batchSize)
		for ii := range batch {
			batch[ii] = sampler.Sample(hparams.NCtx)
		}
		return batch
	}

	if cfg.accumulate > 1 {
		acc := ft.model.(GradientAccumulator)
		if err := acc.ResetGradients(ctx); err != nil {
			return 0, err
		}
		for ii := 0; ii < cfg.accumulate; ii++ {
			if _, err := acc.ComputeGradients(ctx, sampleBatch()); err != nil {
				return 0, err
			}
		}
		return acc.ApplyGradients(ctx)
	}
	return ft.model.TrainStep(ctx, sampleBatch())
}

// restore evaluates the checkpoint restore policy once and loads the
// chosen snapshot into the model service.
func (ft *Finetuner) restore() error {
	cfg := &ft.cfg
	baseDir := filepath.Join(cfg.modelDir, cfg.modelName)

	var prefix string
	switch {
	case cfg.restoreFrom.fresh:
		p, step, err := checkpoints.LatestIn(baseDir)
		if err != nil {
			return err
		}
		if step < 0 {
			return errors.Errorf("no pretrained checkpoint in %q -- you need to download the %s model first", baseDir, cfg.modelName)
		}
		prefix = p
	case cfg.restoreFrom.path != "":
		p, step, err := checkpoints.LatestIn(cfg.restoreFrom.path)
		if err != nil {
			return err
		}
		if step < 0 {
			return errors.Errorf("no checkpoint found at %q", cfg.restoreFrom.path)
		}
		prefix = p
	default: // latest
		p, step, err := ft.handler.Latest()
		if err != nil {
			return err
		}
		if step < 0 {
			// Fresh run: start from the pretrained weights.
			p, step, err = checkpoints.LatestIn(baseDir)
			if err != nil {
				return err
			}
			if step < 0 {
				return errors.Errorf("no pretrained checkpoint in %q -- you need to download the %s model first", baseDir, cfg.modelName)
			}
		}
		prefix = p
	}
	fmt.Printf("Loading checkpoint %s\n", prefix)
	return errors.WithMessagef(ft.model.RestoreSnapshot(prefix), "restoring checkpoint %q", prefix)
}

// copyConfigFiles copies the tokenizer vocabulary and hyperparameter files
// from the base model directory into the run directory, making the run
// self-contained. Missing base files are a missing-resource error with
// remediation, not something to retry.
func (ft *Finetuner) copyConfigFiles() error {
	cfg := &ft.cfg
	if err := data.EnsureDir(ft.runDir); err != nil {
		return err
	}
	for _, name := range configFiles {
		src := filepath.Join(cfg.modelDir, cfg.modelName, name)
		dst := filepath.Join(ft.runDir, name)
		if err := copyFile(src, dst); err != nil {
			if os.IsNotExist(errors.Cause(err)) {
				return errors.Errorf("missing %q -- you need to download the %s model first", src, cfg.modelName)
			}
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(dst)
	if err != nil {
		return errors.WithStack(err)
	}
	defer func() {
		closeErr := out.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed closing %q", dst)
		}
	}()
	if _, err := io.Copy(out, in); err != nil {
		return errors.Wrapf(err, "failed copying %q to %q", src, dst)
	}
	return nil
}

// generateSamples drives the sampling loop with a fixed single-sample
// configuration, seeding it with one token drawn from the dataset, and
// writes the banners and texts to samples/<run>/samples-<counter>.
func (ft *Finetuner) generateSamples(ctx context.Context, sampler data.Sampler, counter int) error {
	cfg := &ft.cfg
	gen, err := cfg.sess.Generator().
		PrefixTokens(sampler.Sample(1)).
		Length(cfg.sampleLength).
		NSamples(cfg.sampleNum).
		BatchSize(1).
		Temperature(1.0).
		TopK(40).
		Done()
	if err != nil {
		return err
	}
	texts, err := gen.Collect(ctx)
	if err != nil {
		return err
	}

	banners := make([]string, 0, len(texts))
	for ii, text := range texts {
		banners = append(banners, fmt.Sprintf("======== SAMPLE %d ========\n%s\n", ii+1, text))
	}
	outDir := filepath.Join(cfg.sampleDir, cfg.runName)
	if err := data.EnsureDir(outDir); err != nil {
		return err
	}
	outPath := filepath.Join(outDir, fmt.Sprintf("samples-%d", counter))
	klog.V(1).Infof("writing %d sample(s) to %s", len(texts), outPath)
	err = os.WriteFile(outPath, []byte(strings.Join(banners, "\n")), 0660)
	return errors.Wrapf(err, "failed writing samples to %q", outPath)
}
