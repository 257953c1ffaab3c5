// Package download fetches pretrained GPT-2 model files from the public
// release bucket, so they can be used as a starting point for finetuning.
package download

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/data"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
)

// BaseURL is the public bucket holding the released GPT-2 models.
const BaseURL = "https://storage.googleapis.com/gpt-2"

// ModelFiles are the files that make up a released model: the TensorFlow
// snapshot, the BPE encoder tables and the hyperparameters.
var ModelFiles = []string{
	"checkpoint",
	"encoder.json",
	"hparams.json",
	"model.ckpt.data-00000-of-00001",
	"model.ckpt.index",
	"model.ckpt.meta",
	"vocab.bpe",
}

// IsDownloaded checks whether every file of the model is already present
// under modelDir/modelName.
func IsDownloaded(modelDir, modelName string) bool {
	dir := path.Join(data.ReplaceTildeInDir(modelDir), modelName)
	for _, fileName := range ModelFiles {
		if !data.FileExists(path.Join(dir, fileName)) {
			return false
		}
	}
	return true
}

// Model downloads the named model (e.g. "124M") into modelDir/modelName,
// skipping files that are already present. It is safe to re-run after an
// interrupted download.
func Model(modelDir, modelName string) error {
	dir := path.Join(data.ReplaceTildeInDir(modelDir), modelName)
	if err := data.EnsureDir(dir); err != nil {
		return err
	}
	for _, fileName := range ModelFiles {
		filePath := path.Join(dir, fileName)
		if data.FileExists(filePath) {
			continue
		}
		url := fmt.Sprintf("%s/models/%s/%s", BaseURL, modelName, fileName)
		if err := downloadFile(url, filePath); err != nil {
			return err
		}
	}
	return nil
}

// copyBytesBar copies bytes from an io.Reader to an io.Writer while displaying
// a progressbar. It requires knowing the contentLength.
type copyBytesBar struct {
	w                             io.Writer
	bar                           *progressbar.ProgressBar
	amountWritten                 int64
	barUnit, numUnits, addedUnits int64
}

func newCopyBytesBar(w io.Writer, description string, contentLength int64) *copyBytesBar {
	bar := &copyBytesBar{w: w}
	bar.barUnit = 1
	for contentLength > bar.barUnit*1024*1024 {
		bar.barUnit *= 1024
	}
	bar.numUnits = (contentLength + bar.barUnit - 1) / bar.barUnit
	bar.bar = progressbar.NewOptions(int(bar.numUnits),
		progressbar.OptionSetDescription(
			fmt.Sprintf("%s (%s)", description, humanize.IBytes(uint64(contentLength)))),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: ".",
			BarStart:      "[",
			BarEnd:        "]",
		}),
	)
	return bar
}

// Write implements io.Writer, while updating the progress bar.
func (bar *copyBytesBar) Write(p []byte) (n int, err error) {
	n, err = bar.w.Write(p)
	bar.amountWritten += int64(n)
	toUnits := bar.amountWritten / bar.barUnit
	if toUnits > bar.addedUnits {
		_ = bar.bar.Add(int(toUnits - bar.addedUnits))
		bar.addedUnits = toUnits
	}
	return
}

// copyWithProgressBar is similar to io.Copy, but displays a progress bar with
// the amount of data copied. It requires knowing the content length up-front.
func copyWithProgressBar(dst io.Writer, src io.Reader, description string, contentLength int64) (n int64, err error) {
	bar := newCopyBytesBar(dst, description, contentLength)
	n, err = io.Copy(bar, src)
	if bar.addedUnits < bar.numUnits {
		_ = bar.bar.Add(int(bar.numUnits - bar.addedUnits))
	}
	_ = bar.bar.Close()
	fmt.Println()
	return
}

// downloadFile fetches url into filePath, displaying a progress bar.
func downloadFile(url, filePath string) (err error) {
	file, err := os.Create(filePath)
	if err != nil {
		return errors.Wrapf(err, "failed creating file %q", filePath)
	}
	defer func() {
		closeErr := file.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed closing %q", filePath)
		}
	}()
	client := http.Client{
		CheckRedirect: func(r *http.Request, via []*http.Request) error {
			r.URL.Opaque = r.URL.Path
			return nil
		},
	}
	resp, err := client.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed downloading %q", url)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("failed downloading %q: %s", url, resp.Status)
	}
	_, err = copyWithProgressBar(file, resp.Body, path.Base(filePath), resp.ContentLength)
	if err != nil {
		return errors.Wrapf(err, "downloading %q to %q", url, filePath)
	}
	return nil
}
