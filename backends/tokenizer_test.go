package backends

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetokenize(t *testing.T) {
	assert.Equal(t, "bonjour le monde", detokenize([]string{"▁bon", "jour", "▁le", "▁monde"}))
	assert.Equal(t, "", detokenize(nil))
	assert.Equal(t, "a", detokenize([]string{"▁a"}))
}

func TestIsSpecialPiece(t *testing.T) {
	for _, piece := range []string{"<s>", "</s>", "<pad>", "<unk>", "", "fra_Latn", "dyu_Latn"} {
		assert.True(t, isSpecialPiece(piece), piece)
	}
	for _, piece := range []string{"▁bonjour", "jour", "▁"} {
		assert.False(t, isSpecialPiece(piece), piece)
	}
}

func TestStripSpecialPieces(t *testing.T) {
	pieces := []string{"fra_Latn", "▁bon", "jour", "</s>", "<pad>"}
	assert.Equal(t, []string{"▁bon", "jour"}, stripSpecialPieces(pieces))
}

func TestLoadTokenizersMissing(t *testing.T) {
	_, _, err := LoadTokenizers(t.TempDir())
	assert.ErrorContains(t, err, "no tokenizer model found")
}
