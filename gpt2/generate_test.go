package gpt2

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateFixedLength(t *testing.T) {
	model := newScriptModel("abcdefghijklmnop")
	sess := loadedSession(model, 11)

	gen := must.M1(sess.Generator().Length(8).Done())
	texts := must.M1(gen.Collect(context.Background()))
	require.Len(t, texts, 1)
	assert.Equal(t, "abcdefgh", texts[0])
	assert.Equal(t, 1, model.calls)
}

func TestGenerateNSamplesBatched(t *testing.T) {
	model := newScriptModel("abcdefghijklmnop")
	sess := loadedSession(model, 11)

	gen := must.M1(sess.Generator().Length(4).NSamples(4).BatchSize(2).Done())
	texts := must.M1(gen.Collect(context.Background()))
	assert.Len(t, texts, 4)
	for _, text := range texts {
		assert.Len(t, text, 4)
	}
	// 4 samples in batches of 2 means 2 model calls.
	assert.Equal(t, 2, model.calls)
}

func TestGeneratePrefix(t *testing.T) {
	model := newScriptModel(" the dragon slept")
	sess := loadedSession(model, 32)

	gen := must.M1(sess.Generator().Prefix("Deep below").Length(10).Done())
	texts := must.M1(gen.Collect(context.Background()))
	require.Len(t, texts, 1)
	assert.Equal(t, "Deep below the drago", texts[0])
}

func TestGenerateTruncate(t *testing.T) {
	model := newScriptModel("hello\nworld goes on and on")
	sess := loadedSession(model, 16)

	gen := must.M1(sess.Generator().Length(0).Truncate("\n").Done())
	texts := must.M1(gen.Collect(context.Background()))
	require.Len(t, texts, 1)
	assert.Equal(t, "hello", texts[0])
}

func TestGenerateTruncateWithPrefix(t *testing.T) {
	model := newScriptModel("42\nand then some")
	sess := loadedSession(model, 16)

	gen := must.M1(sess.Generator().Prefix("Q:").Length(0).Truncate("\n").Done())
	texts := must.M1(gen.Collect(context.Background()))
	require.Equal(t, []string{"Q:42"}, texts)

	// Without the prefix in the output, only the generated part survives.
	sess = loadedSession(newScriptModel("42\nand then some"), 16)
	gen = must.M1(sess.Generator().Prefix("Q:").Length(0).Truncate("\n").
		IncludePrefix(false).Done())
	texts = must.M1(gen.Collect(context.Background()))
	require.Equal(t, []string{"42"}, texts)
}

func TestGenerateSlidingWindow(t *testing.T) {
	model := newScriptModel("abcdefghijklmnopqrstuvwxyz")
	// A 5-token window forces the generation to slide: each call can only
	// produce a few tokens and the context is rebuilt from the output tail.
	sess := loadedSession(model, 5)

	gen := must.M1(sess.Generator().Length(10).Done())
	texts := must.M1(gen.Collect(context.Background()))
	require.Len(t, texts, 1)
	assert.Greater(t, model.calls, 2)
	assert.Len(t, texts[0], 9)
}

func TestGenerateBatchPrefixPadding(t *testing.T) {
	model := newScriptModel("xyz")
	sess := loadedSession(model, 16)

	gen := must.M1(sess.Generator().BatchSize(2).NSamples(2).Length(4).
		BatchPrefix([]string{"abc", "z"}).Done())
	require.Len(t, gen.contexts, 2)
	assert.Equal(t, testEncoder{}.Encode("abc"), gen.contexts[0])
	// The shorter prefix is left-padded to the longest one.
	assert.Equal(t, []int32{padTokenID, padTokenID, 'z'}, gen.contexts[1])
}

func TestGenerateSampleDelim(t *testing.T) {
	model := newScriptModel("abcdefgh")
	sess := loadedSession(model, 16)

	var buf bytes.Buffer
	gen := must.M1(sess.Generator().Length(3).NSamples(2).Done())
	require.NoError(t, gen.WriteTo(context.Background(), &buf))
	// The script model keeps sampling forward between batches.
	assert.Equal(t, "abc\n"+DefaultSampleDelim+"def\n"+DefaultSampleDelim, buf.String())

	// A single sample is written without the delimiter.
	buf.Reset()
	gen = must.M1(loadedSession(newScriptModel("abcdefgh"), 16).
		Generator().Length(3).Done())
	require.NoError(t, gen.WriteTo(context.Background(), &buf))
	assert.Equal(t, "abc\n", buf.String())
}

func TestGenerateToFile(t *testing.T) {
	model := newScriptModel("abcdefgh")
	sess := loadedSession(model, 16)
	path := filepath.Join(t.TempDir(), "out.txt")

	gen := must.M1(sess.Generator().Length(3).Done())
	require.NoError(t, gen.ToFile(context.Background(), path))
	contents := must.M1(os.ReadFile(path))
	assert.Equal(t, "abc\n", string(contents))
}

func TestGenerateUnreachableTruncation(t *testing.T) {
	model := newScriptModel("abc")
	sess := loadedSession(model, 4)

	gen := must.M1(sess.Generator().Length(0).Truncate("ZZZ").Done())
	_, err := gen.Collect(context.Background())
	require.ErrorContains(t, err, "giving up")
}

func TestGenerateConfigErrors(t *testing.T) {
	model := newScriptModel("abc")

	_, err := NewSession(model).Generator().Done()
	assert.ErrorContains(t, err, "no model loaded")

	sess := loadedSession(model, 16)
	_, err = sess.Generator().NSamples(3).BatchSize(2).Done()
	assert.ErrorContains(t, err, "multiple of the batch size")

	_, err = sess.Generator().Prefix("a").PrefixTokens([]int32{1}).Done()
	assert.ErrorContains(t, err, "mutually exclusive")

	_, err = sess.Generator().BatchSize(2).NSamples(2).
		BatchPrefix([]string{"only one"}).Done()
	assert.ErrorContains(t, err, "one per batch slot")

	_, err = sess.Generator().Length(0).Done()
	assert.ErrorContains(t, err, "truncation term")

	_, err = sess.Generator().SplitContext(1.5).Done()
	assert.ErrorContains(t, err, "split context")

	assert.Panics(t, func() { sess.Generator().SplitContext(0).MustDone() })
}
