package backends

import (
	"fmt"

	"github.com/eliben/go-sentencepiece"
)

// spmTokenizer wraps a SentencePiece model file (source.spm, target.spm or
// sentencepiece.bpe.model).
type spmTokenizer struct {
	processor *sentencepiece.Processor
}

func newSPMTokenizer(path string) (*spmTokenizer, error) {
	processor, err := sentencepiece.NewProcessorFromPath(path)
	if err != nil {
		return nil, fmt.Errorf("loading sentencepiece model %s: %w", path, err)
	}
	return &spmTokenizer{processor: processor}, nil
}

func (t *spmTokenizer) EncodePieces(text string) ([]string, error) {
	tokens := t.processor.Encode(text)
	pieces := make([]string, len(tokens))
	for i, token := range tokens {
		pieces[i] = token.Text
	}
	return pieces, nil
}

func (t *spmTokenizer) DecodePieces(pieces []string) (string, error) {
	return detokenize(stripSpecialPieces(pieces)), nil
}

func (t *spmTokenizer) Close() error {
	return nil
}
