package data

import (
	"os"
	"path"
	"testing"

	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runeEncoder maps each rune to its code point, which is enough to test
// dataset loading without a real BPE vocabulary.
type runeEncoder struct{}

func (runeEncoder) Encode(text string) []int32 {
	tokens := make([]int32, 0, len(text))
	for _, r := range text {
		tokens = append(tokens, int32(r))
	}
	return tokens
}

func (runeEncoder) Decode(tokens []int32) string {
	runes := make([]rune, len(tokens))
	for ii, token := range tokens {
		runes[ii] = rune(token)
	}
	return string(runes)
}

func (runeEncoder) EndOfText() int32 { return 0 }

func TestLoadChunksSingleFile(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "corpus.txt")
	require.NoError(t, os.WriteFile(filePath, []byte("hello world"), 0660))

	// Below the combine threshold the file gets the end-of-text marker
	// appended, same as any other small document.
	chunks := must.M1(LoadChunks(runeEncoder{}, filePath, 50000))
	require.Len(t, chunks, 1)
	assert.Equal(t, runeEncoder{}.Encode("hello world"+EndOfTextMarker), chunks[0])
}

func TestLoadChunksCombinesSmallFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(path.Join(dir, "a.txt"), []byte("aaa"), 0660))
	require.NoError(t, os.WriteFile(path.Join(dir, "b.txt"), []byte("bbb"), 0660))
	require.NoError(t, os.WriteFile(path.Join(dir, "ignored.json"), []byte("{}"), 0660))

	// Both files are below the combine threshold, so each gets the
	// end-of-text marker appended and they collapse into one chunk.
	chunks := must.M1(LoadChunks(runeEncoder{}, dir, 50000))
	require.Len(t, chunks, 1)
	assert.Equal(t,
		runeEncoder{}.Encode("aaa"+EndOfTextMarker+"bbb"+EndOfTextMarker),
		chunks[0])

	// With combine=1 each file is large enough to be its own chunk.
	chunks = must.M1(LoadChunks(runeEncoder{}, dir, 1))
	require.Len(t, chunks, 2)
	assert.Equal(t, runeEncoder{}.Encode("aaa"), chunks[0])
	assert.Equal(t, runeEncoder{}.Encode("bbb"), chunks[1])
}

func TestLoadChunksEmptyDir(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadChunks(runeEncoder{}, dir, 50000)
	require.Error(t, err)
}

func TestTokensRoundTrip(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "corpus"+TokensExtension)
	chunks := [][]int32{{1, 2, 3}, {50256}, {7, 8, 9, 10}}
	require.NoError(t, WriteTokens(filePath, chunks))

	loaded := must.M1(ReadTokens(filePath))
	assert.Equal(t, chunks, loaded)

	// LoadChunks picks the pre-encoded chunks up directly, without touching
	// the encoder.
	loaded = must.M1(LoadChunks(nil, filePath, 50000))
	assert.Equal(t, chunks, loaded)
}

func TestReadTokensRejectsCorruptHeader(t *testing.T) {
	dir := t.TempDir()

	// Header claims far more chunks than the file can hold.
	filePath := path.Join(dir, "chunks.tok")
	contents := append([]byte{}, tokensMagic[:]...)
	contents = append(contents, 0xff, 0xff, 0xff, 0xff)
	require.NoError(t, os.WriteFile(filePath, contents, 0660))
	_, err := ReadTokens(filePath)
	require.ErrorContains(t, err, "corrupted")

	// One chunk whose claimed size exceeds the remaining bytes.
	filePath = path.Join(dir, "size.tok")
	contents = append([]byte{}, tokensMagic[:]...)
	contents = append(contents,
		1, 0, 0, 0, // one chunk
		0xff, 0xff, 0xff, 0x7f, // of ~2 billion tokens
		1, 2, 3, 4)
	require.NoError(t, os.WriteFile(filePath, contents, 0660))
	_, err = ReadTokens(filePath)
	require.ErrorContains(t, err, "corrupted")
}

func TestReadTokensRejectsPlainText(t *testing.T) {
	dir := t.TempDir()
	filePath := path.Join(dir, "corpus.tok")
	require.NoError(t, os.WriteFile(filePath, []byte("not a token file"), 0660))
	_, err := ReadTokens(filePath)
	require.ErrorContains(t, err, "not a pre-encoded tokens file")
}
