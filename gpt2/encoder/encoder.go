// Package encoder adapts the GPT-2 byte-pair tokenizer to the token id
// slices the generation and training loops work on.
//
// The heavy lifting -- merges, byte-level fallback, special tokens -- is
// done by github.com/wbrown/gpt_bpe; this package only loads the
// vocabulary files a model or run directory carries (encoder.json and
// vocab.bpe) and converts token slices at the boundary.
package encoder

import (
	"github.com/pkg/errors"
	"github.com/wbrown/gpt_bpe"
)

// BPE is a byte-pair encoder loaded from a model or run directory.
type BPE struct {
	enc *gpt_bpe.GPTEncoder
}

// Load reads the vocabulary files (encoder.json, vocab.bpe) from dir.
func Load(dir string) (*BPE, error) {
	enc, err := gpt_bpe.NewEncoder(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "failed loading the tokenizer from %q (expects encoder.json and vocab.bpe)", dir)
	}
	return &BPE{enc: enc}, nil
}

// Encode converts text to token ids.
func (b *BPE) Encode(text string) []int32 {
	encoded := *b.enc.Encode(&text)
	tokens := make([]int32, len(encoded))
	for ii, token := range encoded {
		tokens[ii] = int32(token)
	}
	return tokens
}

// Decode converts token ids back to text.
func (b *BPE) Decode(tokens []int32) string {
	encoded := make(gpt_bpe.Tokens, len(tokens))
	for ii, token := range tokens {
		encoded[ii] = gpt_bpe.Token(token)
	}
	return b.enc.Decode(&encoded)
}

// EndOfText returns the id of the <|endoftext|> marker token.
func (b *BPE) EndOfText() int32 {
	return int32(b.enc.EosToken)
}
