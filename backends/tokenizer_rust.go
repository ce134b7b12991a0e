//go:build ORT || ALL

package backends

import (
	"github.com/daulet/tokenizers"
)

// rustTokenizer wraps a tokenizer.json definition via the rust tokenizer
// bindings. Only available in cgo builds that already link native code for
// the ORT backend.
type rustTokenizer struct {
	tokenizer *tokenizers.Tokenizer
}

func loadPretrainedTokenizer(tokenizerBytes []byte) (Tokenizer, error) {
	tk, err := tokenizers.FromBytes(tokenizerBytes)
	if err != nil {
		return nil, err
	}
	return &rustTokenizer{tokenizer: tk}, nil
}

func (t *rustTokenizer) EncodePieces(text string) ([]string, error) {
	_, pieces := t.tokenizer.Encode(text, false)
	return pieces, nil
}

func (t *rustTokenizer) DecodePieces(pieces []string) (string, error) {
	return detokenize(stripSpecialPieces(pieces)), nil
}

func (t *rustTokenizer) Close() error {
	return t.tokenizer.Close()
}
