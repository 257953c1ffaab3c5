package data

import (
	"encoding/binary"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EndOfTextMarker separates documents concatenated into one encoding chunk.
const EndOfTextMarker = "<|endoftext|>"

// Encoder is the subset of the tokenizer needed to load text datasets.
type Encoder interface {
	Encode(text string) []int32
}

// Spec selects the dataset(s) to finetune on. It is a closed variant:
// either a Single path or Multiple paths with optional sampling weights.
type Spec interface {
	isSpec()
}

// Single is a dataset loaded from one path (a file or a directory tree).
type Single struct {
	Path string
}

// Multiple is a collection of datasets sampled with the given weights.
// If Weights is nil, all datasets are sampled with equal probability.
type Multiple struct {
	Paths   []string
	Weights []float64
}

func (Single) isSpec()   {}
func (Multiple) isSpec() {}

// textExtensions are the file suffixes read as raw text when loading a
// dataset from a directory.
var textExtensions = []string{".txt", ".csv"}

// TokensExtension is the suffix of pre-encoded token chunk files, as
// written by WriteTokens.
const TokensExtension = ".tok"

// listDatasetFiles returns the files under path, sorted. If path is a plain
// file it is returned as the single entry.
func listDatasetFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot read dataset path %q", path)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}
	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if strings.HasSuffix(p, TokensExtension) {
			files = append(files, p)
			return nil
		}
		for _, ext := range textExtensions {
			if strings.HasSuffix(p, ext) {
				files = append(files, p)
				return nil
			}
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed walking dataset directory %q", path)
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, errors.Errorf("dataset directory %q holds no %s or %s files",
			path, strings.Join(textExtensions, "/"), TokensExtension)
	}
	return files, nil
}

// LoadChunks reads the dataset at path into token chunks.
//
// Text files are accumulated until at least combine runes are gathered and
// then encoded as one chunk; each below-threshold file gets EndOfTextMarker
// appended so that document boundaries survive the concatenation (the last
// such file keeps its trailing marker). Pre-encoded TokensExtension files
// contribute their chunks directly.
func LoadChunks(enc Encoder, path string, combine int) ([][]int32, error) {
	path = ReplaceTildeInDir(path)
	files, err := listDatasetFiles(path)
	if err != nil {
		return nil, err
	}

	var chunks [][]int32
	var raw strings.Builder
	for _, file := range files {
		if strings.HasSuffix(file, TokensExtension) {
			preEncoded, err := ReadTokens(file)
			if err != nil {
				return nil, err
			}
			chunks = append(chunks, preEncoded...)
			continue
		}
		contents, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrapf(err, "failed reading dataset file %q", file)
		}
		klog.V(1).Infof("read %s (%d bytes)", file, len(contents))
		raw.Write(contents)
		if raw.Len() >= combine {
			chunks = append(chunks, enc.Encode(raw.String()))
			raw.Reset()
		} else {
			raw.WriteString(EndOfTextMarker)
		}
	}
	if raw.Len() > 0 {
		chunks = append(chunks, enc.Encode(raw.String()))
	}
	return chunks, nil
}

// tokensMagic identifies a pre-encoded token chunks file.
var tokensMagic = [8]byte{'G', 'P', 'T', '2', 'T', 'O', 'K', '1'}

// WriteTokens saves token chunks to path in a simple binary format:
// a magic header, the number of chunks, then each chunk as a length
// followed by its little-endian uint32 token ids.
func WriteTokens(path string, chunks [][]int32) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed creating %q", path)
	}
	defer func() {
		closeErr := f.Close()
		if err == nil && closeErr != nil {
			err = errors.Wrapf(closeErr, "failed closing %q", path)
		}
	}()

	if _, err = f.Write(tokensMagic[:]); err != nil {
		return errors.Wrapf(err, "failed writing %q", path)
	}
	if err = binary.Write(f, binary.LittleEndian, uint32(len(chunks))); err != nil {
		return errors.Wrapf(err, "failed writing %q", path)
	}
	for _, chunk := range chunks {
		if err = binary.Write(f, binary.LittleEndian, uint32(len(chunk))); err != nil {
			return errors.Wrapf(err, "failed writing %q", path)
		}
		ids := make([]uint32, len(chunk))
		for ii, token := range chunk {
			ids[ii] = uint32(token)
		}
		if err = binary.Write(f, binary.LittleEndian, ids); err != nil {
			return errors.Wrapf(err, "failed writing %q", path)
		}
	}
	return nil
}

// ReadTokens loads token chunks previously saved with WriteTokens.
func ReadTokens(path string) ([][]int32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed opening %q", path)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", path)
	}

	var magic [8]byte
	if _, err := io.ReadFull(f, magic[:]); err != nil || magic != tokensMagic {
		return nil, errors.Errorf("%q is not a pre-encoded tokens file", path)
	}
	var numChunks uint32
	if err := binary.Read(f, binary.LittleEndian, &numChunks); err != nil {
		return nil, errors.Wrapf(err, "failed reading %q", path)
	}
	// The header counts are checked against the bytes actually present,
	// so a corrupt file cannot demand an absurd allocation. Each chunk
	// takes at least its 4-byte length field.
	remaining := info.Size() - int64(len(tokensMagic)) - 4
	if int64(numChunks)*4 > remaining {
		return nil, errors.Errorf("%q is corrupted: header claims %d chunks but only %d bytes follow",
			path, numChunks, remaining)
	}
	chunks := make([][]int32, 0, numChunks)
	for ii := uint32(0); ii < numChunks; ii++ {
		var size uint32
		if err := binary.Read(f, binary.LittleEndian, &size); err != nil {
			return nil, errors.Wrapf(err, "failed reading %q", path)
		}
		remaining -= 4
		if int64(size)*4 > remaining {
			return nil, errors.Errorf("%q is corrupted: chunk %d claims %d tokens but only %d bytes follow",
				path, ii, size, remaining)
		}
		remaining -= int64(size) * 4
		ids := make([]uint32, size)
		if err := binary.Read(f, binary.LittleEndian, ids); err != nil {
			return nil, errors.Wrapf(err, "failed reading %q", path)
		}
		chunk := make([]int32, size)
		for jj, id := range ids {
			chunk[jj] = int32(id)
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
