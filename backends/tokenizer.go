package backends

import (
	"fmt"
	"strings"

	"github.com/kelen-ai/nllbserve/util/fileutil"
)

// spacePiece is the SentencePiece whitespace marker (U+2581).
const spacePiece = "▁"

// Tokenizer converts raw text to subword pieces and back. The translator
// consumes and produces piece strings; the mapping to model token ids happens
// inside the backend via the model vocabulary.
type Tokenizer interface {
	// EncodePieces splits text into subword pieces without adding any
	// special tokens. Language tags and end markers are framed by the
	// pipeline, not the tokenizer.
	EncodePieces(text string) ([]string, error)

	// DecodePieces joins pieces back into text, dropping special tokens.
	DecodePieces(pieces []string) (string, error)

	Close() error
}

// LoadTokenizers resolves the tokenizer artifacts of a checkpoint directory.
// Recognized layouts, in order:
//
//   - source.spm + target.spm: separate SentencePiece models per direction
//   - sentencepiece.bpe.model: one SentencePiece model shared by both sides
//   - tokenizer.json: a pretrained tokenizer definition, shared
//
// The returned source and target tokenizers may be the same instance.
func LoadTokenizers(modelPath string) (Tokenizer, Tokenizer, error) {
	sourcePath := fileutil.PathJoinSafe(modelPath, "source.spm")
	targetPath := fileutil.PathJoinSafe(modelPath, "target.spm")
	sourceExists, err := fileutil.FileExists(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	targetExists, err := fileutil.FileExists(targetPath)
	if err != nil {
		return nil, nil, err
	}
	if sourceExists && targetExists {
		source, err := newSPMTokenizer(sourcePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading source.spm: %w", err)
		}
		target, err := newSPMTokenizer(targetPath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading target.spm: %w", err)
		}
		return source, target, nil
	}

	bpePath := fileutil.PathJoinSafe(modelPath, "sentencepiece.bpe.model")
	if exists, err := fileutil.FileExists(bpePath); err != nil {
		return nil, nil, err
	} else if exists {
		shared, err := newSPMTokenizer(bpePath)
		if err != nil {
			return nil, nil, fmt.Errorf("loading sentencepiece.bpe.model: %w", err)
		}
		return shared, shared, nil
	}

	jsonPath := fileutil.PathJoinSafe(modelPath, "tokenizer.json")
	if exists, err := fileutil.FileExists(jsonPath); err != nil {
		return nil, nil, err
	} else if exists {
		tokenizerBytes, err := fileutil.ReadFileBytes(jsonPath)
		if err != nil {
			return nil, nil, err
		}
		shared, err := loadPretrainedTokenizer(tokenizerBytes)
		if err != nil {
			return nil, nil, fmt.Errorf("loading tokenizer.json: %w", err)
		}
		return shared, shared, nil
	}

	return nil, nil, fmt.Errorf("no tokenizer model found in %s", modelPath)
}

// detokenize reverses SentencePiece segmentation: concatenate pieces and turn
// the whitespace markers back into spaces.
func detokenize(pieces []string) string {
	joined := strings.Join(pieces, "")
	joined = strings.ReplaceAll(joined, spacePiece, " ")
	return strings.TrimSpace(joined)
}

// isSpecialPiece reports whether a piece is a control token that must not
// appear in decoded text.
func isSpecialPiece(piece string) bool {
	switch piece {
	case "<s>", "</s>", "<pad>", unkPiece, "":
		return true
	}
	return isLanguageTag(piece)
}

func stripSpecialPieces(pieces []string) []string {
	kept := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if !isSpecialPiece(piece) {
			kept = append(kept, piece)
		}
	}
	return kept
}
