package data

import (
	"math/rand"
	"slices"
	"sort"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Sampler draws contiguous windows of tokens from a loaded dataset.
type Sampler interface {
	// Sample returns a window of n tokens taken at a randomly chosen
	// position. It panics if the dataset is too small for n.
	Sample(n int) []int32

	// TotalSize is the total number of tokens available.
	TotalSize() int
}

// NewSampler loads the dataset(s) selected by spec and dispatches the
// variant once into a Sampler: uniform over one dataset for Single,
// weighted across datasets for Multiple.
func NewSampler(enc Encoder, spec Spec, combine int) (Sampler, error) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	return newSamplerWithRand(enc, spec, combine, rng)
}

func newSamplerWithRand(enc Encoder, spec Spec, combine int, rng *rand.Rand) (Sampler, error) {
	switch s := spec.(type) {
	case Single:
		chunks, err := LoadChunks(enc, s.Path, combine)
		if err != nil {
			return nil, err
		}
		return newChunkSampler(chunks, rng)
	case Multiple:
		if len(s.Paths) == 0 {
			return nil, errors.Errorf("Multiple dataset spec has no paths")
		}
		if s.Weights != nil && len(s.Weights) != len(s.Paths) {
			return nil, errors.Errorf("Multiple dataset spec has %d paths but %d weights",
				len(s.Paths), len(s.Weights))
		}
		samplers := make([]*chunkSampler, 0, len(s.Paths))
		for _, path := range s.Paths {
			chunks, err := LoadChunks(enc, path, combine)
			if err != nil {
				return nil, err
			}
			sampler, err := newChunkSampler(chunks, rng)
			if err != nil {
				return nil, errors.WithMessagef(err, "dataset %q", path)
			}
			samplers = append(samplers, sampler)
		}
		return newBiasedSampler(samplers, s.Weights, rng)
	default:
		return nil, errors.Errorf("unknown dataset spec type %T", spec)
	}
}

// chunkSampler samples uniformly over the concatenation of its chunks,
// using a cumulative-size index to locate the chunk holding a position.
type chunkSampler struct {
	chunks     [][]int32
	boundaries []int // boundaries[i] is the global offset of chunks[i]; len(chunks)+1 entries.
	rng        *rand.Rand
}

func newChunkSampler(chunks [][]int32, rng *rand.Rand) (*chunkSampler, error) {
	boundaries := make([]int, len(chunks)+1)
	for ii, chunk := range chunks {
		boundaries[ii+1] = boundaries[ii] + len(chunk)
	}
	if boundaries[len(chunks)] == 0 {
		return nil, errors.Errorf("dataset holds no tokens")
	}
	return &chunkSampler{chunks: chunks, boundaries: boundaries, rng: rng}, nil
}

func (s *chunkSampler) TotalSize() int {
	return s.boundaries[len(s.chunks)]
}

func (s *chunkSampler) Sample(n int) []int32 {
	total := s.TotalSize()
	if n < 1 || n > total-1 {
		exceptions.Panicf("cannot sample a window of %d tokens from a dataset with %d tokens", n, total)
	}
	for {
		index := s.rng.Intn(total - n)
		ii := sort.Search(len(s.chunks), func(i int) bool {
			return s.boundaries[i+1] > index
		})
		within := index - s.boundaries[ii]
		// Windows crossing a chunk boundary are rejected and redrawn.
		if within+n <= len(s.chunks[ii]) {
			return slices.Clone(s.chunks[ii][within : within+n])
		}
	}
}

// biasedSampler picks a dataset according to its weight, then samples
// uniformly within it.
type biasedSampler struct {
	samplers   []*chunkSampler
	cumWeights []float64 // normalized, cumulative; last entry is 1.
	rng        *rand.Rand
}

func newBiasedSampler(samplers []*chunkSampler, weights []float64, rng *rand.Rand) (*biasedSampler, error) {
	if weights == nil {
		weights = make([]float64, len(samplers))
		for ii := range weights {
			weights[ii] = 1
		}
	}
	var sum float64
	for ii, w := range weights {
		if w < 0 {
			return nil, errors.Errorf("dataset weight #%d is negative (%g)", ii, w)
		}
		sum += w
	}
	if sum == 0 {
		return nil, errors.Errorf("dataset weights sum to zero")
	}
	cum := make([]float64, len(weights))
	acc := 0.0
	for ii, w := range weights {
		acc += w / sum
		cum[ii] = acc
	}
	cum[len(cum)-1] = 1
	return &biasedSampler{samplers: samplers, cumWeights: cum, rng: rng}, nil
}

func (s *biasedSampler) TotalSize() int {
	total := 0
	for _, sampler := range s.samplers {
		total += sampler.TotalSize()
	}
	return total
}

func (s *biasedSampler) Sample(n int) []int32 {
	r := s.rng.Float64()
	for ii, cum := range s.cumWeights {
		if r < cum {
			return s.samplers[ii].Sample(n)
		}
	}
	return s.samplers[len(s.samplers)-1].Sample(n)
}
