package gpt2

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// HParams are the model hyperparameters stored in a model or run
// directory's hparams.json.
type HParams struct {
	NVocab int `json:"n_vocab"`
	NCtx   int `json:"n_ctx"`
	NEmbd  int `json:"n_embd"`
	NHead  int `json:"n_head"`
	NLayer int `json:"n_layer"`
}

// DefaultHParams are the hyperparameters of the 124M GPT-2 model.
func DefaultHParams() HParams {
	return HParams{
		NVocab: 50257,
		NCtx:   1024,
		NEmbd:  768,
		NHead:  12,
		NLayer: 12,
	}
}

// Window is the hard token budget of one sampling call: the context plus
// the requested continuation must fit in it.
func (h HParams) Window() int {
	return h.NCtx - 1
}

// LoadHParams reads hparams.json from dir, overriding the defaults with
// whatever keys are present.
func LoadHParams(dir string) (HParams, error) {
	hparams := DefaultHParams()
	path := filepath.Join(dir, "hparams.json")
	contents, err := os.ReadFile(path)
	if err != nil {
		return hparams, errors.Wrapf(err, "failed reading %q", path)
	}
	if err := json.Unmarshal(contents, &hparams); err != nil {
		return hparams, errors.Wrapf(err, "failed parsing %q", path)
	}
	return hparams, nil
}
