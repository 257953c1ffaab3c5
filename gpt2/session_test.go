package gpt2

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunDir(t *testing.T, checkpointDir, runName string, step int) string {
	runDir := filepath.Join(checkpointDir, runName)
	require.NoError(t, os.MkdirAll(runDir, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "hparams.json"), []byte(`{"n_ctx": 16}`), 0660))
	if step >= 0 {
		name := "model-" + strconv.Itoa(step) + ".index"
		require.NoError(t, os.WriteFile(filepath.Join(runDir, name), []byte("x"), 0660))
	}
	return runDir
}

func TestNewSession(t *testing.T) {
	assert.Panics(t, func() { NewSession(nil) })

	model := newScriptModel("abc")
	sess := NewSession(model)
	assert.Same(t, model, sess.Model())
	assert.Nil(t, sess.Encoder())
	assert.Equal(t, DefaultHParams(), sess.HParams())
	assert.False(t, sess.loaded)
}

func TestSessionLoadLatest(t *testing.T) {
	checkpointDir := t.TempDir()
	runDir := newRunDir(t, checkpointDir, "run1", 300)

	model := newScriptModel("abc")
	sess := NewSession(model)
	require.NoError(t, sess.Load().
		CheckpointDir(checkpointDir).
		Encoder(testEncoder{}).
		Done())

	require.Len(t, model.restored, 1)
	assert.Equal(t, filepath.Join(runDir, "model-300"), model.restored[0])
	assert.Equal(t, 16, sess.HParams().NCtx)
	assert.True(t, sess.loaded)
}

func TestSessionLoadExplicitCheckpoint(t *testing.T) {
	checkpointDir := t.TempDir()
	runDir := newRunDir(t, checkpointDir, "run2", 100)
	require.NoError(t, os.WriteFile(filepath.Join(runDir, "model-200.index"), []byte("x"), 0660))

	model := newScriptModel("abc")
	sess := NewSession(model)
	require.NoError(t, sess.Load().
		CheckpointDir(checkpointDir).
		RunName("run2").
		Checkpoint("model-100").
		Encoder(testEncoder{}).
		Done())
	require.Len(t, model.restored, 1)
	assert.Equal(t, filepath.Join(runDir, "model-100"), model.restored[0])
}

func TestSessionLoadErrors(t *testing.T) {
	checkpointDir := t.TempDir()
	newRunDir(t, checkpointDir, "nockpt", -1)

	sess := NewSession(newScriptModel("abc"))
	err := sess.Load().
		CheckpointDir(checkpointDir).
		RunName("nockpt").
		Encoder(testEncoder{}).
		Done()
	require.ErrorContains(t, err, "finetune the run first")

	// A missing model directory surfaces as a remediation error.
	modelDir := t.TempDir()
	base := filepath.Join(modelDir, "124M")
	require.NoError(t, os.MkdirAll(base, 0770))
	require.NoError(t, os.WriteFile(filepath.Join(base, "hparams.json"), []byte(`{}`), 0660))
	err = sess.Load().
		ModelDir(modelDir).
		ModelName("124M").
		Encoder(testEncoder{}).
		Done()
	require.ErrorContains(t, err, "you need to download the 124M model first")
}

func TestSessionReset(t *testing.T) {
	model := newScriptModel("abc")
	sess := loadedSession(model, 16)
	fresh := sess.Reset()
	assert.Same(t, model, fresh.Model())
	assert.False(t, fresh.loaded)
}

func TestHParams(t *testing.T) {
	assert.Equal(t, 1023, DefaultHParams().Window())

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hparams.json"),
		[]byte(`{"n_ctx": 512, "n_layer": 24}`), 0660))
	hparams := must.M1(LoadHParams(dir))
	// Unlisted keys keep their defaults.
	assert.Equal(t, 512, hparams.NCtx)
	assert.Equal(t, 24, hparams.NLayer)
	assert.Equal(t, 50257, hparams.NVocab)

	_, err := LoadHParams(filepath.Join(dir, "missing"))
	require.Error(t, err)
}
