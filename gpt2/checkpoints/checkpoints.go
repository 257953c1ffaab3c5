// Package checkpoints manages the on-disk lifecycle of finetuning runs:
// saving and locating model snapshots and the run's step counter.
//
// The Handler is created with the builder pattern: checkpoints.Build().
// Dir("checkpoint/run1").Keep(3).Done(). The layout is compatible with
// existing gpt-2-simple runs: snapshot files share a "model-<step>" prefix
// and a plain-text "counter" file holds the last completed step followed
// by a newline.
//
// The contents of the snapshot files are owned by the model service: the
// Handler hands it a file prefix through the Snapshotter interface and only
// manages naming, the counter and pruning.
package checkpoints

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/data"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Snapshotter persists model parameters under a given file prefix. The
// model service decides the actual file names and contents; it must only
// keep the given prefix so the Handler can find and prune snapshots.
type Snapshotter interface {
	SaveSnapshot(prefixPath string) error
}

// Config for the checkpoints Handler to be created. This is created with
// Build() and configured with the various methods. Once finished, call
// Done() and it will output a Handler.
type Config struct {
	err  error
	dir  string
	keep int
}

// Build a configuration for a checkpoints.Handler. After configuring the
// returned Config, call Done to get the Handler.
func Build() *Config {
	return &Config{keep: 1}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Dir sets the directory where snapshots and the counter file live,
// creating it if needed. It must be set before calling Done.
func (c *Config) Dir(dir string) *Config {
	dir = data.ReplaceTildeInDir(dir)
	c.dir = dir
	fi, err := os.Stat(dir)
	if err != nil && !os.IsNotExist(err) {
		c.setError(errors.Wrapf(err, "failed to os.Stat(%q)", dir))
		return c
	}
	if err == nil && !fi.IsDir() {
		c.setError(errors.Errorf("checkpoint directory %q exists but is a normal file", dir))
		return c
	}
	if err != nil {
		c.setError(data.EnsureDir(dir))
	}
	return c
}

// DirFromBase sets the checkpoint directory as a subdirectory of baseDir,
// unless dir is already absolute.
func (c *Config) DirFromBase(dir, baseDir string) *Config {
	dir = data.ReplaceTildeInDir(dir)
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(data.ReplaceTildeInDir(baseDir), dir)
	}
	return c.Dir(dir)
}

// Keep configures the number of snapshots to keep. If set to -1 older
// snapshots are never erased. The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// Done creates a Handler with the current configuration. It returns an
// error if the configuration is invalid or incomplete.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured or empty")
	}
	return &Handler{dir: c.dir, keep: c.keep}, nil
}

// Handler saves and locates snapshots for one run directory. See the
// package documentation for the file layout.
type Handler struct {
	dir  string
	keep int
}

const (
	snapshotPrefix = "model-"

	// counterFileName holds the last completed step, as text, newline
	// terminated.
	counterFileName = "counter"

	// baseSnapshotPrefix is the snapshot prefix of a pretrained base model
	// directory, as distributed.
	baseSnapshotPrefix = "model.ckpt"
)

var snapshotStepRegex = regexp.MustCompile(`^model-(\d+)(?:\..*)?$`)

// String implements Stringer.
func (h *Handler) String() string {
	return "checkpoints.Handler(" + strconv.Quote(h.dir) + ")"
}

// Dir returns the run directory the Handler is bound to.
func (h *Handler) Dir() string {
	if h == nil {
		return ""
	}
	return h.dir
}

// ListSteps returns the steps of the snapshots present in the directory,
// sorted ascending.
func (h *Handler) ListSteps() ([]int, error) {
	return listSteps(h.dir)
}

func listSteps(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed listing snapshots in %q", dir)
	}
	seen := make(map[int]bool)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		matches := snapshotStepRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		step, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		seen[step] = true
	}
	steps := make([]int, 0, len(seen))
	for step := range seen {
		steps = append(steps, step)
	}
	sort.Ints(steps)
	return steps, nil
}

// SnapshotPrefix returns the file prefix used for the snapshot of the
// given step.
func (h *Handler) SnapshotPrefix(step int) string {
	return filepath.Join(h.dir, snapshotPrefix+strconv.Itoa(step))
}

// Latest returns the file prefix and step of the most recent snapshot in
// the run directory. The returned step is -1 when there is none.
func (h *Handler) Latest() (prefix string, step int, err error) {
	return LatestIn(h.dir)
}

// LatestIn locates the most recent snapshot in dir: the highest
// "model-<step>" prefix, or the base model's "model.ckpt" prefix when dir
// holds a pretrained model as distributed. The returned step is -1 when
// dir holds no snapshot at all.
func LatestIn(dir string) (prefix string, step int, err error) {
	dir = data.ReplaceTildeInDir(dir)
	steps, err := listSteps(dir)
	if err != nil {
		return "", -1, err
	}
	if len(steps) > 0 {
		last := steps[len(steps)-1]
		return filepath.Join(dir, snapshotPrefix+strconv.Itoa(last)), last, nil
	}
	if data.FileExists(filepath.Join(dir, baseSnapshotPrefix+".index")) {
		return filepath.Join(dir, baseSnapshotPrefix), 0, nil
	}
	return "", -1, nil
}

// Counter reads the run's counter file. found is false when no counter was
// ever written.
func (h *Handler) Counter() (counter int, found bool, err error) {
	contents, err := os.ReadFile(filepath.Join(h.dir, counterFileName))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, errors.Wrapf(err, "%s: failed reading counter file", h)
	}
	counter, err = strconv.Atoi(strings.TrimSpace(string(contents)))
	if err != nil {
		return 0, false, errors.Wrapf(err, "%s: malformed counter file", h)
	}
	return counter, true, nil
}

// Save persists a snapshot at the given step through the Snapshotter and
// records the step in the counter file, then prunes snapshots beyond the
// configured Keep count. Steps must strictly increase across saves within
// a run.
func (h *Handler) Save(snap Snapshotter, step int) error {
	if err := data.EnsureDir(h.dir); err != nil {
		return err
	}
	prefix := h.SnapshotPrefix(step)
	klog.V(1).Infof("saving snapshot %s", prefix)
	if err := snap.SaveSnapshot(prefix); err != nil {
		return errors.WithMessagef(err, "%s: failed saving snapshot at step %d", h, step)
	}
	counterPath := filepath.Join(h.dir, counterFileName)
	if err := os.WriteFile(counterPath, []byte(strconv.Itoa(step)+"\n"), 0660); err != nil {
		return errors.Wrapf(err, "%s: failed writing counter file", h)
	}
	return h.pruneSnapshots()
}

// pruneSnapshots removes the files of snapshots beyond the configured
// keep count, oldest first.
func (h *Handler) pruneSnapshots() error {
	if h.keep < 0 {
		return nil
	}
	steps, err := h.ListSteps()
	if err != nil {
		return err
	}
	if len(steps) <= h.keep {
		return nil
	}
	excess := steps[:len(steps)-h.keep]
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return errors.Wrapf(err, "%s: failed listing run directory", h)
	}
	for _, entry := range entries {
		matches := snapshotStepRegex.FindStringSubmatch(entry.Name())
		if matches == nil {
			continue
		}
		step, _ := strconv.Atoi(matches[1])
		for _, old := range excess {
			if step != old {
				continue
			}
			fileName := filepath.Join(h.dir, entry.Name())
			if err := os.Remove(fileName); err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s: failed removing excess snapshot file %q", h, fileName)
			}
			break
		}
	}
	return nil
}

// RemoveRunFiles deletes snapshot and event files from the run directory.
// It implements the overwrite policy of a finetuning run that resets its
// history while keeping the counter.
func (h *Handler) RemoveRunFiles() error {
	entries, err := os.ReadDir(h.dir)
	if err != nil {
		return errors.Wrapf(err, "%s: failed listing run directory", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasPrefix(name, "model") && !strings.HasPrefix(name, "events") {
			continue
		}
		if err := os.Remove(filepath.Join(h.dir, name)); err != nil {
			return errors.Wrapf(err, "%s: failed removing %q", h, name)
		}
	}
	return nil
}
