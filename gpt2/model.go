package gpt2

import (
	"context"
	"sort"
	"strings"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/checkpoints"
	"github.com/gomlx/exceptions"
	"golang.org/x/exp/maps"
)

// SampleOptions control one batched sampling call to the model service.
type SampleOptions struct {
	// Temperature scales the logits before sampling. 1.0 leaves them
	// untouched.
	Temperature float64

	// TopK, when > 0, restricts sampling to the k most likely tokens.
	TopK int

	// TopP, when > 0, restricts sampling to the smallest set of tokens
	// whose cumulative probability exceeds p. It overrides TopK.
	TopP float64

	// Seed, when != 0, seeds the service's sampling RNG.
	Seed int64
}

// Model is the sampling side of the transformer model service. The graph
// math behind it is opaque to this package.
type Model interface {
	// Sample continues every slot of the batch by length tokens in one
	// call. All slots must share one context length -- callers left-pad
	// shorter contexts. Per slot it returns the input context minus its
	// lead token, followed by the newly sampled tokens, mirroring the
	// shape the generation loop splices on.
	Sample(ctx context.Context, contexts [][]int32, length int, opts SampleOptions) ([][]int32, error)

	// RestoreSnapshot loads model parameters from the snapshot saved
	// under prefixPath (e.g. "checkpoint/run1/model-300").
	RestoreSnapshot(prefixPath string) error
}

// TrainingOptions are handed to a Trainable model service once, before the
// first training step.
type TrainingOptions struct {
	Optimizer                  string
	LearningRate               float64
	OnlyTrainTransformerLayers bool
	UseMemorySavingGradients   bool
	MultiGPU                   bool
}

// Trainable is implemented by model services that support finetuning.
type Trainable interface {
	Model
	checkpoints.Snapshotter

	// ConfigureTraining sets up the optimizer. Called once before the
	// first TrainStep.
	ConfigureTraining(opts TrainingOptions) error

	// TrainStep runs one optimization step on the given batch of token
	// windows and returns the batch loss.
	TrainStep(ctx context.Context, batch [][]int32) (loss float64, err error)
}

// GradientAccumulator is optionally implemented by Trainable model
// services, allowing gradients of several batches to be summed before one
// optimizer update.
type GradientAccumulator interface {
	ResetGradients(ctx context.Context) error
	ComputeGradients(ctx context.Context, batch [][]int32) (loss float64, err error)
	ApplyGradients(ctx context.Context) (loss float64, err error)
}

// KnownOptimizers maps the optimizer names a model service is expected to
// support to a short description.
var KnownOptimizers = map[string]string{
	"adam": "Adam with the configured learning rate",
	"sgd":  "plain gradient descent",
}

func knownOptimizerNames() string {
	names := maps.Keys(KnownOptimizers)
	sort.Strings(names)
	return strings.Join(names, ", ")
}

// ModelConstructor builds a model service handle from a backend-specific
// configuration string (may be empty).
type ModelConstructor func(config string) (Model, error)

var (
	registeredModels = make(map[string]ModelConstructor)
	firstRegistered  string
)

// RegisterModelService registers a model service implementation under the
// given name, typically from the implementing package's init function.
func RegisterModelService(name string, constructor ModelConstructor) {
	if len(registeredModels) == 0 {
		firstRegistered = name
	}
	registeredModels[name] = constructor
}

// NewModelService instantiates a registered model service. The spec is
// "<name>" or "<name>:<config>"; an empty spec selects the first
// registered service.
//
// It panics if no service was linked into the binary.
func NewModelService(spec string) (Model, error) {
	if len(registeredModels) == 0 {
		exceptions.Panicf("no model service registered -- import a package providing one")
	}
	name := firstRegistered
	config := ""
	if spec != "" {
		name = spec
		if idx := strings.Index(spec, ":"); idx != -1 {
			name = spec[:idx]
			config = spec[idx+1:]
		}
	}
	constructor, found := registeredModels[name]
	if !found {
		available := maps.Keys(registeredModels)
		sort.Strings(available)
		exceptions.Panicf("model service %q not registered (registered: %s)", name, strings.Join(available, ", "))
	}
	return constructor(config)
}
