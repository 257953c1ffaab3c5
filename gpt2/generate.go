package gpt2

import (
	"context"
	"fmt"
	"io"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/pkg/errors"
)

// DefaultSampleDelim separates consecutive samples in printed or written
// output.
const DefaultSampleDelim = "====================\n"

// padTokenID left-pads shorter batch prefixes so all slots share one
// context length, as the model service requires a fixed-shape batch.
const padTokenID = 0

// maxWindows caps the number of sampling calls per batch when only a
// truncation term bounds generation, so a delimiter the model never emits
// cannot loop forever.
const maxWindows = 1024

// GenerateConfig is a builder for a Generator. Create it with
// Session.Generator, configure, then call Done.
type GenerateConfig struct {
	sess *Session
	err  error

	nsamples      int
	batchSize     int
	length        int
	temperature   float64
	topK          int
	topP          float64
	seed          int64
	prefix        string
	batchPrefix   []string
	prefixTokens  []int32
	truncate      string
	includePrefix bool
	splitContext  float64
	sampleDelim   string
}

// Generator produces text samples from the loaded model. It is built with
// Session.Generator and is reusable: every run starts from the configured
// prefixes.
type Generator struct {
	cfg      GenerateConfig
	contexts [][]int32 // initial context per slot
	truncRe  *regexp.Regexp
}

// Generator starts configuring a text generation. The defaults produce a
// single sample of 1023 tokens at temperature 0.7, seeded with the
// end-of-text token.
func (s *Session) Generator() *GenerateConfig {
	return &GenerateConfig{
		sess:          s,
		nsamples:      1,
		batchSize:     1,
		length:        1023,
		temperature:   0.7,
		includePrefix: true,
		splitContext:  0.5,
		sampleDelim:   DefaultSampleDelim,
	}
}

func (c *GenerateConfig) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// NSamples sets how many texts to generate. Must be a multiple of the
// batch size.
func (c *GenerateConfig) NSamples(n int) *GenerateConfig {
	c.nsamples = n
	return c
}

// BatchSize sets how many texts are sampled per model call.
func (c *GenerateConfig) BatchSize(n int) *GenerateConfig {
	c.batchSize = n
	return c
}

// Length sets the number of tokens to generate per sample. Lengths beyond
// the model's context window are produced by sliding-window continuation.
// Zero means unbounded, which requires a truncation term.
func (c *GenerateConfig) Length(n int) *GenerateConfig {
	c.length = n
	return c
}

// Temperature of the sampling distribution.
func (c *GenerateConfig) Temperature(t float64) *GenerateConfig {
	c.temperature = t
	return c
}

// TopK restricts sampling to the k most likely tokens; 0 disables it.
func (c *GenerateConfig) TopK(k int) *GenerateConfig {
	c.topK = k
	return c
}

// TopP restricts sampling to the smallest token set with cumulative
// probability p; 0 disables it. Overrides TopK when set.
func (c *GenerateConfig) TopP(p float64) *GenerateConfig {
	c.topP = p
	return c
}

// Seed the model service's sampling RNG; 0 leaves it unseeded.
func (c *GenerateConfig) Seed(seed int64) *GenerateConfig {
	c.seed = seed
	return c
}

// Prefix seeds every slot with the encoded text.
func (c *GenerateConfig) Prefix(prefix string) *GenerateConfig {
	c.prefix = prefix
	return c
}

// BatchPrefix seeds each slot with its own prefix; there must be exactly
// one per batch slot. Shorter prefixes are left-padded so all slots share
// one context length.
func (c *GenerateConfig) BatchPrefix(prefixes []string) *GenerateConfig {
	if len(prefixes) > 0 {
		c.batchPrefix = prefixes
	}
	return c
}

// PrefixTokens seeds every slot with the given already-encoded tokens.
// The training loop uses this to seed periodic samples from the dataset.
func (c *GenerateConfig) PrefixTokens(tokens []int32) *GenerateConfig {
	c.prefixTokens = slices.Clone(tokens)
	return c
}

// Truncate cuts every sample at the first occurrence of the delimiter
// substring; the delimiter and everything after it are dropped.
func (c *GenerateConfig) Truncate(delim string) *GenerateConfig {
	c.truncate = delim
	return c
}

// IncludePrefix controls whether the prefix is kept in truncated output.
// Defaults to true.
func (c *GenerateConfig) IncludePrefix(include bool) *GenerateConfig {
	c.includePrefix = include
	return c
}

// SplitContext sets the fraction of the previous window emitted as fresh
// text when continuing past the context window; the remaining 1-f tail is
// kept as look-back context. This is a fixed look-back heuristic, not
// unbounded memory, and splits are not guaranteed to land on sentence
// boundaries. Defaults to 0.5.
func (c *GenerateConfig) SplitContext(fraction float64) *GenerateConfig {
	c.splitContext = fraction
	return c
}

// SampleDelim sets the delimiter written between samples in printed or
// written output. It is omitted when exactly one sample is requested.
func (c *GenerateConfig) SampleDelim(delim string) *GenerateConfig {
	c.sampleDelim = delim
	return c
}

// Done validates the configuration and builds the Generator. All
// configuration errors surface here, before any model call.
func (c *GenerateConfig) Done() (*Generator, error) {
	if c.err != nil {
		return nil, c.err
	}
	if !c.sess.loaded {
		return nil, errors.Errorf("no model loaded into the session -- call Session.Load first")
	}
	if c.batchSize < 1 {
		c.batchSize = 1
	}
	if c.nsamples%c.batchSize != 0 {
		return nil, errors.Errorf("nsamples (%d) must be a multiple of the batch size (%d)", c.nsamples, c.batchSize)
	}
	numPrefixes := 0
	for _, set := range []bool{c.prefix != "", c.batchPrefix != nil, c.prefixTokens != nil} {
		if set {
			numPrefixes++
		}
	}
	if numPrefixes > 1 {
		return nil, errors.Errorf("prefix, batch prefix and prefix tokens are mutually exclusive")
	}
	if c.batchPrefix != nil && len(c.batchPrefix) != c.batchSize {
		return nil, errors.Errorf("batch prefix holds %d entries, want one per batch slot (%d)", len(c.batchPrefix), c.batchSize)
	}
	if c.length == 0 && c.truncate == "" {
		return nil, errors.Errorf("generating non-fixed length samples requires a truncation term")
	}
	if c.splitContext <= 0 || c.splitContext >= 1 {
		return nil, errors.Errorf("split context fraction must be in (0, 1), got %g", c.splitContext)
	}
	if c.nsamples == 1 {
		c.sampleDelim = ""
	}

	g := &Generator{cfg: *c}
	enc := c.sess.enc
	switch {
	case c.prefix != "":
		tokens := enc.Encode(c.prefix)
		for ii := 0; ii < c.batchSize; ii++ {
			g.contexts = append(g.contexts, slices.Clone(tokens))
		}
	case c.batchPrefix != nil:
		maxLen := 0
		for _, prefix := range c.batchPrefix {
			tokens := enc.Encode(prefix)
			g.contexts = append(g.contexts, tokens)
			maxLen = max(maxLen, len(tokens))
		}
		for ii, tokens := range g.contexts {
			if pad := maxLen - len(tokens); pad > 0 {
				padded := make([]int32, pad, maxLen)
				for jj := range padded {
					padded[jj] = padTokenID
				}
				g.contexts[ii] = append(padded, tokens...)
			}
		}
	case c.prefixTokens != nil:
		for ii := 0; ii < c.batchSize; ii++ {
			g.contexts = append(g.contexts, slices.Clone(c.prefixTokens))
		}
	default:
		for ii := 0; ii < c.batchSize; ii++ {
			g.contexts = append(g.contexts, []int32{enc.EndOfText()})
		}
	}

	if c.truncate != "" {
		pattern := `(?s)(.*?)(?:` + regexp.QuoteMeta(c.truncate) + `)`
		if c.prefix != "" && !c.includePrefix {
			pattern = `(?s)(?:` + regexp.QuoteMeta(c.prefix) + `)(.*?)(?:` + regexp.QuoteMeta(c.truncate) + `)`
		}
		var err error
		g.truncRe, err = regexp.Compile(pattern)
		if err != nil {
			return nil, errors.Wrapf(err, "cannot build truncation pattern for %q", c.truncate)
		}
	}
	return g, nil
}

// MustDone constructs the Generator, panicking on configuration errors.
func (c *GenerateConfig) MustDone() *Generator {
	g, err := c.Done()
	if err != nil {
		panic(errors.Wrap(err, "failed to build gpt2.Generator"))
	}
	return g
}

// Collect generates the configured samples and returns them.
func (g *Generator) Collect(ctx context.Context) ([]string, error) {
	texts := make([]string, 0, g.cfg.nsamples)
	err := g.run(ctx, func(text string) error {
		texts = append(texts, text)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return texts, nil
}

// WriteTo generates the configured samples into w, separated by the sample
// delimiter.
func (g *Generator) WriteTo(ctx context.Context, w io.Writer) error {
	return g.run(ctx, func(text string) error {
		_, err := fmt.Fprintf(w, "%s\n%s", text, g.cfg.sampleDelim)
		return errors.Wrap(err, "failed writing generated text")
	})
}

// ToFile generates the configured samples into the file at path,
// overwriting it.
func (g *Generator) ToFile(ctx context.Context, path string) (err error) {
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
	return g.WriteTo(ctx, f)
}

// Print generates the configured samples to stdout.
func (g *Generator) Print(ctx context.Context) error {
	return g.WriteTo(ctx, os.Stdout)
}

// run is the sampling loop. It emits exactly nsamples decoded texts, each
// either length tokens long or cut at the truncation term. Per batch it
// keeps per-slot state and keeps calling the model service until every
// slot is done, sliding the context window forward once the output exceeds
// the model's hard window.
func (g *Generator) run(ctx context.Context, emit func(text string) error) error {
	cfg := &g.cfg
	enc := cfg.sess.enc
	window := cfg.sess.hparams.Window()
	opts := SampleOptions{
		Temperature: cfg.temperature,
		TopK:        cfg.topK,
		TopP:        cfg.topP,
		Seed:        cfg.seed,
	}
	hasPrefix := cfg.prefix != "" || cfg.batchPrefix != nil

	for generated := 0; generated < cfg.nsamples; generated += cfg.batchSize {
		contexts := make([][]int32, cfg.batchSize)
		for ii := range g.contexts {
			contexts[ii] = slices.Clone(g.contexts[ii])
		}
		genText := make([][]int32, cfg.batchSize)
		truncated := make([]bool, cfg.batchSize)
		totalTokens := 0

		for windows := 0; !allTrue(truncated); windows++ {
			if windows >= maxWindows {
				return errors.Errorf("truncation term %q not reached after %d sampling windows -- giving up", cfg.truncate, maxWindows)
			}
			numTokens := window - len(contexts[0])
			reqLen := numTokens
			if cfg.length > 0 && cfg.length < reqLen {
				reqLen = cfg.length
			}
			out, err := cfg.sess.model.Sample(ctx, contexts, reqLen, opts)
			if err != nil {
				return errors.WithMessagef(err, "sampling %d tokens", reqLen)
			}
			if len(out) != cfg.batchSize {
				return errors.Errorf("model service returned %d slots, want %d", len(out), cfg.batchSize)
			}
			totalTokens += numTokens

			for ii := 0; ii < cfg.batchSize; ii++ {
				if truncated[ii] {
					continue
				}
				text := out[ii]
				if hasPrefix {
					// Re-prepend the lead prefix token dropped by the
					// model service, so truncation sees the full prefix.
					text = append([]int32{contexts[ii][0]}, text...)
				}
				hitTruncation := false
				if cfg.truncate != "" || allNonEmpty(genText) {
					keepFrom := int(float64(len(out[ii])) * (1 - cfg.splitContext))
					continuing := len(genText[ii]) > 0
					if continuing {
						// Emit only the fresh trailing fraction; the rest
						// was already part of the previous window.
						text = out[ii][int(float64(len(out[ii]))*cfg.splitContext):]
					}
					contexts[ii] = slices.Clone(out[ii][keepFrom:])
					if g.truncRe != nil {
						decoded := enc.Decode(text)
						if m := g.truncRe.FindStringSubmatch(decoded); m != nil {
							text = enc.Encode(m[1])
							hitTruncation = true
						}
					}
				}
				genText[ii] = append(genText[ii], text...)
				if hitTruncation || (cfg.length > 0 && totalTokens >= cfg.length-1) {
					truncated[ii] = true
				}
			}
		}

		for _, tokens := range genText {
			text := strings.TrimLeft(enc.Decode(tokens), "\n")
			if err := emit(text); err != nil {
				return err
			}
		}
	}
	return nil
}

func allTrue(flags []bool) bool {
	for _, f := range flags {
		if !f {
			return false
		}
	}
	return true
}

func allNonEmpty(texts [][]int32) bool {
	for _, t := range texts {
		if len(t) == 0 {
			return false
		}
	}
	return true
}
