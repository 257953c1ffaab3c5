// Package gpt2 implements finetuning and text-generation workflows over a
// pretrained GPT-2 model service.
//
// The transformer graph, the optimizer math and the BPE tokenizer
// internals are external collaborators behind the Model, Trainable and
// Encoder interfaces; this package owns the control logic around them: the
// generation loop with sliding-window continuation and delimiter
// truncation, and the training loop with gradient accumulation, checkpoint
// save/resume and periodic sampling.
//
// A Session owns the model service handle and the tokenizer and
// hyperparameters loaded alongside the weights:
//
//	model, err := gpt2.NewModelService("")
//	sess := gpt2.NewSession(model)
//	err = sess.Load().RunName("run1").Done()
//	texts, err := sess.Generator().
//		Prefix("The wizard said").
//		Truncate("\n").
//		NSamples(4).BatchSize(4).
//		MustDone().
//		Collect(ctx)
package gpt2

import (
	"fmt"
	"path/filepath"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/checkpoints"
	"github.com/DMsGuild201/gpt-2-dnd/gpt2/encoder"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Encoder converts between text and token ids. The default implementation
// is the BPE tokenizer in gpt2/encoder; tests substitute stubs.
type Encoder interface {
	Encode(text string) []int32
	Decode(tokens []int32) string

	// EndOfText returns the id of the end-of-text marker token, used as
	// the default generation seed.
	EndOfText() int32
}

// Session owns a model service handle together with the encoder and
// hyperparameters that were loaded alongside the model weights. It is not
// safe for concurrent use; the workflows it drives are synchronous.
type Session struct {
	model   Model
	enc     Encoder
	hparams HParams
	loaded  bool
}

// NewSession creates a Session around the given model service handle. Load
// weights with Session.Load before generating, or let a Finetuner do it.
func NewSession(model Model) *Session {
	if model == nil {
		exceptions.Panicf("gpt2.NewSession called with a nil model service")
	}
	return &Session{model: model, hparams: DefaultHParams()}
}

// Reset discards everything loaded into the Session and returns a fresh
// handle bound to the same model service.
func (s *Session) Reset() *Session {
	return NewSession(s.model)
}

// Model returns the model service handle.
func (s *Session) Model() Model { return s.model }

// Encoder returns the loaded tokenizer, or nil before loading.
func (s *Session) Encoder() Encoder { return s.enc }

// HParams returns the loaded hyperparameters.
func (s *Session) HParams() HParams { return s.hparams }

// LoadConfig is a builder selecting which checkpoint to load into a
// Session. Create it with Session.Load, configure, then call Done.
type LoadConfig struct {
	sess *Session
	err  error

	runName       string
	checkpointDir string
	modelName     string
	modelDir      string
	checkpoint    string
	enc           Encoder
}

// Load starts configuring which checkpoint to load into the Session for
// generation. By default it loads the latest checkpoint of run "run1"
// under "checkpoint/".
func (s *Session) Load() *LoadConfig {
	return &LoadConfig{
		sess:          s,
		runName:       "run1",
		checkpointDir: "checkpoint",
		modelDir:      "models",
		checkpoint:    "latest",
	}
}

// RunName selects the finetuning run to load.
func (c *LoadConfig) RunName(name string) *LoadConfig {
	c.runName = name
	return c
}

// CheckpointDir sets the parent directory of run directories.
func (c *LoadConfig) CheckpointDir(dir string) *LoadConfig {
	c.checkpointDir = dir
	return c
}

// ModelName selects a pretrained base model to load instead of a run
// checkpoint.
func (c *LoadConfig) ModelName(name string) *LoadConfig {
	c.modelName = name
	return c
}

// ModelDir sets the parent directory of pretrained base models.
func (c *LoadConfig) ModelDir(dir string) *LoadConfig {
	c.modelDir = dir
	return c
}

// Checkpoint selects a specific snapshot prefix (e.g. "model-300") instead
// of the latest one.
func (c *LoadConfig) Checkpoint(name string) *LoadConfig {
	c.checkpoint = name
	return c
}

// Encoder overrides the tokenizer instead of loading the BPE vocabulary
// files from the checkpoint directory.
func (c *LoadConfig) Encoder(enc Encoder) *LoadConfig {
	c.enc = enc
	return c
}

// Done resolves the checkpoint, restores the model parameters and loads
// the encoder and hyperparameters into the Session.
func (c *LoadConfig) Done() error {
	if c.err != nil {
		return c.err
	}
	var dir string
	if c.modelName != "" {
		dir = filepath.Join(c.modelDir, c.modelName)
	} else {
		dir = filepath.Join(c.checkpointDir, c.runName)
	}

	hparams, err := LoadHParams(dir)
	if err != nil {
		return errors.WithMessagef(err, "loading hyperparameters from %q", dir)
	}
	enc := c.enc
	if enc == nil {
		enc, err = encoder.Load(dir)
		if err != nil {
			return err
		}
	}

	var prefix string
	if c.checkpoint == "latest" {
		var step int
		prefix, step, err = checkpoints.LatestIn(dir)
		if err != nil {
			return err
		}
		if step < 0 {
			if c.modelName != "" {
				return errors.Errorf("no checkpoint found in %q -- you need to download the %s model first", dir, c.modelName)
			}
			return errors.Errorf("no checkpoint found in %q -- finetune the run first", dir)
		}
	} else {
		prefix = filepath.Join(dir, c.checkpoint)
	}
	fmt.Printf("Loading checkpoint %s\n", prefix)
	if err := c.sess.model.RestoreSnapshot(prefix); err != nil {
		return errors.WithMessagef(err, "restoring checkpoint %q", prefix)
	}

	c.sess.hparams = hparams
	c.sess.enc = enc
	c.sess.loaded = true
	return nil
}
