package gpt2

import (
	"context"
	"os"
	"slices"
	"time"
)

// testEncoder maps each rune to its code point, standing in for the BPE
// tokenizer.
type testEncoder struct{}

func (testEncoder) Encode(text string) []int32 {
	tokens := make([]int32, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int32(r))
	}
	return tokens
}

func (testEncoder) Decode(tokens []int32) string {
	runes := make([]rune, len(tokens))
	for ii, token := range tokens {
		runes[ii] = rune(token)
	}
	return string(runes)
}

func (testEncoder) EndOfText() int32 { return 0 }

// scriptModel is a Model stub whose "sampling" continues every batch slot
// with the next tokens of a fixed script, cycling at the end. It mirrors
// the real service's output shape: the input context minus its lead token,
// followed by the newly sampled tokens.
type scriptModel struct {
	script   []int32
	pos      []int
	calls    int
	restored []string
}

func newScriptModel(script string) *scriptModel {
	return &scriptModel{script: testEncoder{}.Encode(script)}
}

func (m *scriptModel) Sample(_ context.Context, contexts [][]int32, length int, _ SampleOptions) ([][]int32, error) {
	m.calls++
	if len(m.pos) < len(contexts) {
		m.pos = make([]int, len(contexts))
	}
	out := make([][]int32, len(contexts))
	for ii, tokens := range contexts {
		slot := slices.Clone(tokens[1:])
		for jj := 0; jj < length; jj++ {
			slot = append(slot, m.script[(m.pos[ii]+jj)%len(m.script)])
		}
		m.pos[ii] += length
		out[ii] = slot
	}
	return out, nil
}

func (m *scriptModel) RestoreSnapshot(prefixPath string) error {
	m.restored = append(m.restored, prefixPath)
	return nil
}

// loadedSession returns a Session wired to the model with the test encoder
// and a reduced context window, skipping the on-disk loading.
func loadedSession(model Model, nCtx int) *Session {
	sess := NewSession(model)
	sess.enc = testEncoder{}
	sess.hparams.NCtx = nCtx
	sess.loaded = true
	return sess
}

// trainableModel extends scriptModel with the training side: it counts
// steps, hands out scripted losses and persists snapshots as small marker
// files so checkpoint discovery works.
type trainableModel struct {
	scriptModel
	opts       *TrainingOptions
	trainSteps int
	lossFn     func(step int) float64
	saved      []string
	afterStep  func(step int)
}

func (m *trainableModel) ConfigureTraining(opts TrainingOptions) error {
	m.opts = &opts
	return nil
}

func (m *trainableModel) TrainStep(_ context.Context, batch [][]int32) (float64, error) {
	m.trainSteps++
	if m.afterStep != nil {
		m.afterStep(m.trainSteps)
	}
	return m.loss(m.trainSteps), nil
}

func (m *trainableModel) loss(step int) float64 {
	if m.lossFn == nil {
		return 1.0
	}
	return m.lossFn(step)
}

func (m *trainableModel) SaveSnapshot(prefixPath string) error {
	m.saved = append(m.saved, prefixPath)
	return os.WriteFile(prefixPath+".index", []byte("snapshot"), 0660)
}

// accumulatingModel additionally supports gradient accumulation.
type accumulatingModel struct {
	trainableModel
	resets, computes, applies int
}

func (m *accumulatingModel) ResetGradients(context.Context) error {
	m.resets++
	return nil
}

func (m *accumulatingModel) ComputeGradients(_ context.Context, batch [][]int32) (float64, error) {
	m.computes++
	return m.loss(m.computes), nil
}

func (m *accumulatingModel) ApplyGradients(context.Context) (float64, error) {
	m.applies++
	if m.afterStep != nil {
		m.afterStep(m.applies)
	}
	return m.loss(m.computes), nil
}

// recordingReporter captures the reporter callbacks for assertions.
type recordingReporter struct {
	startStep, endStep int
	steps              []int
	losses             []float64
	avgLosses          []float64
	ended              bool
	endedAt            int
}

func (r *recordingReporter) OnStart(startStep, endStep int) {
	r.startStep, r.endStep = startStep, endStep
}

func (r *recordingReporter) OnStep(step int, loss, avgLoss float64, _ time.Duration) {
	r.steps = append(r.steps, step)
	r.losses = append(r.losses, loss)
	r.avgLosses = append(r.avgLosses, avgLoss)
}

func (r *recordingReporter) OnEnd(step int) {
	r.ended = true
	r.endedAt = step
}
