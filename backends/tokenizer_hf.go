//go:build !ORT && !ALL

package backends

import (
	"bytes"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
)

// hfTokenizer wraps a tokenizer.json definition via the pure Go tokenizer
// implementation. Used when the checkpoint ships no SentencePiece files.
type hfTokenizer struct {
	tokenizer *tokenizer.Tokenizer
}

func loadPretrainedTokenizer(tokenizerBytes []byte) (Tokenizer, error) {
	tk, err := pretrained.FromReader(bytes.NewReader(tokenizerBytes))
	if err != nil {
		return nil, err
	}
	return &hfTokenizer{tokenizer: tk}, nil
}

func (t *hfTokenizer) EncodePieces(text string) ([]string, error) {
	encoding, err := t.tokenizer.EncodeSingle(text, false)
	if err != nil {
		return nil, err
	}
	return encoding.Tokens, nil
}

func (t *hfTokenizer) DecodePieces(pieces []string) (string, error) {
	return detokenize(stripSpecialPieces(pieces)), nil
}

func (t *hfTokenizer) Close() error {
	return nil
}
