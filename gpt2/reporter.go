package gpt2

import (
	"fmt"
	"time"
)

// TrainingReporter receives training progress. Implementations must not
// block for long: the loop calls them synchronously between steps.
type TrainingReporter interface {
	// OnStart is called once before the first step. endStep is -1 when
	// the step budget is unbounded.
	OnStart(startStep, endStep int)

	// OnStep is called at the configured print interval with the step's
	// loss and the decayed running average loss.
	OnStep(step int, loss, avgLoss float64, elapsed time.Duration)

	// OnEnd is called once after the final checkpoint save.
	OnEnd(step int)
}

// consoleReporter is the default TrainingReporter: one plain line per
// report, in the format finetuning runs have always printed.
type consoleReporter struct{}

func (consoleReporter) OnStart(startStep, endStep int) {}

func (consoleReporter) OnStep(step int, loss, avgLoss float64, elapsed time.Duration) {
	fmt.Printf("[%d | %.2f] loss=%.2f avg=%.2f\n", step, elapsed.Seconds(), loss, avgLoss)
}

func (consoleReporter) OnEnd(step int) {}
