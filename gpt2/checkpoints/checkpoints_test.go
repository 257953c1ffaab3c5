package checkpoints

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fileSnapshotter writes two files per snapshot, mimicking a model service
// that owns the snapshot contents.
type fileSnapshotter struct {
	saved []string
}

func (s *fileSnapshotter) SaveSnapshot(prefixPath string) error {
	s.saved = append(s.saved, prefixPath)
	for _, suffix := range []string{".index", ".data"} {
		if err := os.WriteFile(prefixPath+suffix, []byte("snapshot"), 0660); err != nil {
			return err
		}
	}
	return nil
}

func TestBuildErrors(t *testing.T) {
	_, err := Build().Done()
	require.ErrorContains(t, err, "not configured")

	dir := t.TempDir()
	filePath := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(filePath, []byte("x"), 0660))
	_, err = Build().Dir(filePath).Done()
	require.ErrorContains(t, err, "normal file")
}

func TestDirFromBase(t *testing.T) {
	base := t.TempDir()
	handler := must.M1(Build().DirFromBase("run1", base).Done())
	assert.Equal(t, filepath.Join(base, "run1"), handler.Dir())

	abs := filepath.Join(t.TempDir(), "elsewhere")
	handler = must.M1(Build().DirFromBase(abs, base).Done())
	assert.Equal(t, abs, handler.Dir())
}

func TestSaveLatestAndCounter(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Keep(2).Done())

	_, step, err := handler.Latest()
	require.NoError(t, err)
	assert.Equal(t, -1, step)
	_, found, err := handler.Counter()
	require.NoError(t, err)
	assert.False(t, found)

	snap := &fileSnapshotter{}
	require.NoError(t, handler.Save(snap, 10))
	require.NoError(t, handler.Save(snap, 20))

	prefix, step, err := handler.Latest()
	require.NoError(t, err)
	assert.Equal(t, 20, step)
	assert.Equal(t, filepath.Join(dir, "model-20"), prefix)

	counter, found, err := handler.Counter()
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, 20, counter)

	// The counter file is plain text, newline terminated, so existing runs
	// keep working.
	contents := must.M1(os.ReadFile(filepath.Join(dir, "counter")))
	assert.Equal(t, "20\n", string(contents))
}

func TestPruneSnapshots(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Keep(2).Done())
	snap := &fileSnapshotter{}
	for _, step := range []int{1, 2, 3, 4} {
		require.NoError(t, handler.Save(snap, step))
	}

	steps := must.M1(handler.ListSteps())
	assert.Equal(t, []int{3, 4}, steps)
	assert.False(t, fileExists(t, filepath.Join(dir, "model-1.index")))
	assert.True(t, fileExists(t, filepath.Join(dir, "model-4.data")))
}

func TestLatestInBaseModel(t *testing.T) {
	dir := t.TempDir()
	// A pretrained model directory as distributed: "model.ckpt.*" files and
	// no step-numbered snapshots.
	for _, name := range []string{"model.ckpt.index", "model.ckpt.meta", "hparams.json"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0660))
	}
	prefix, step, err := LatestIn(dir)
	require.NoError(t, err)
	assert.Equal(t, 0, step)
	assert.Equal(t, filepath.Join(dir, "model.ckpt"), prefix)

	// A numbered snapshot takes precedence over the base prefix.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "model-7.index"), []byte("x"), 0660))
	prefix, step, err = LatestIn(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, step)
	assert.Equal(t, filepath.Join(dir, "model-7"), prefix)
}

func TestRemoveRunFiles(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Done())
	snap := &fileSnapshotter{}
	require.NoError(t, handler.Save(snap, 5))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "events.out.1234"), []byte("x"), 0660))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "samples-5"), []byte("x"), 0660))

	require.NoError(t, handler.RemoveRunFiles())
	assert.False(t, fileExists(t, filepath.Join(dir, "model-5.index")))
	assert.False(t, fileExists(t, filepath.Join(dir, "events.out.1234")))
	assert.True(t, fileExists(t, filepath.Join(dir, "counter")))
	assert.True(t, fileExists(t, filepath.Join(dir, "samples-5")))

	_, step, err := handler.Latest()
	require.NoError(t, err)
	assert.Equal(t, -1, step)
}

func fileExists(t *testing.T, path string) bool {
	_, err := os.Stat(path)
	if err == nil {
		return true
	}
	if os.IsNotExist(err) {
		return false
	}
	t.Fatalf("stat %q: %v", path, err)
	return false
}

func TestSnapshotPrefix(t *testing.T) {
	dir := t.TempDir()
	handler := must.M1(Build().Dir(dir).Done())
	assert.Equal(t, filepath.Join(dir, "model-123"), handler.SnapshotPrefix(123))
	assert.Equal(t, fmt.Sprintf("checkpoints.Handler(%q)", dir), handler.String())
}
