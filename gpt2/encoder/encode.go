package encoder

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2/data"
	"github.com/pkg/errors"
)

// Default start/end markers wrapped around each CSV row by EncodeCSV.
const (
	DefaultStartToken = "<|startoftext|>"
	DefaultEndToken   = "<|endoftext|>"
)

// EncodeCSV converts a single-column CSV into a text file suitable for
// finetuning, wrapping each row in the given start and end marker tokens.
// When header is set, the first row is skipped.
func EncodeCSV(csvPath, outPath string, header bool, startToken, endToken string) (err error) {
	in, err := os.Open(csvPath)
	if err != nil {
		return errors.Wrapf(err, "failed opening %q", csvPath)
	}
	defer func() { _ = in.Close() }()
	out, err := os.Create(outPath)
	if err != nil {
		return errors.Wrapf(err, "failed creating %q", outPath)
	}
	defer func() {
		closeErr := out.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed closing %q", outPath)
		}
	}()

	reader := csv.NewReader(in)
	reader.FieldsPerRecord = -1
	first := true
	for {
		row, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "failed parsing %q", csvPath)
		}
		if first && header {
			first = false
			continue
		}
		first = false
		if len(row) == 0 {
			continue
		}
		if _, err := fmt.Fprintf(out, "%s%s%s\n", startToken, row[0], endToken); err != nil {
			return errors.Wrapf(err, "failed writing %q", outPath)
		}
	}
	return nil
}

// EncodeDataset pre-encodes a text dataset into a binary token chunks
// file, saving the encoding time on every later finetune.
func EncodeDataset(enc data.Encoder, inPath, outPath string, combine int) error {
	fmt.Println("Reading files")
	chunks, err := data.LoadChunks(enc, inPath, combine)
	if err != nil {
		return err
	}
	fmt.Println("Writing", outPath)
	return data.WriteTokens(outPath, chunks)
}
