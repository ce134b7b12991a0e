package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVocabulary() *Vocabulary {
	return NewVocabulary([]string{"<s>", "<pad>", "</s>", "<unk>", "▁bonjour", "▁monde", "dyu_Latn", "fra_Latn"})
}

func TestVocabularyLookup(t *testing.T) {
	vocab := testVocabulary()

	assert.Equal(t, int64(4), vocab.ID("▁bonjour"))
	assert.Equal(t, 8, vocab.Size())
	assert.True(t, vocab.Has("fra_Latn"))
	assert.False(t, vocab.Has("▁zanzibar"))

	piece, ok := vocab.Piece(5)
	assert.True(t, ok)
	assert.Equal(t, "▁monde", piece)

	_, ok = vocab.Piece(100)
	assert.False(t, ok)
	_, ok = vocab.Piece(-1)
	assert.False(t, ok)
}

func TestVocabularyUnknownFallsBackToUnk(t *testing.T) {
	vocab := testVocabulary()
	assert.Equal(t, int64(3), vocab.ID("▁zanzibar"))
}

func TestVocabularyRoundTrip(t *testing.T) {
	vocab := testVocabulary()
	pieces := []string{"dyu_Latn", "▁bonjour", "▁monde", "</s>"}
	ids := vocab.IDs(pieces)
	assert.Equal(t, []int64{6, 4, 5, 2}, ids)
	assert.Equal(t, pieces, vocab.Pieces(ids))
}

func TestVocabularyPiecesSkipsOutOfRange(t *testing.T) {
	vocab := testVocabulary()
	assert.Equal(t, []string{"▁bonjour"}, vocab.Pieces([]int64{4, 9999, -3}))
}

func TestVocabularyLanguageTags(t *testing.T) {
	vocab := testVocabulary()
	assert.Equal(t, []string{"dyu_Latn", "fra_Latn"}, vocab.LanguageTags())
}

func TestIsLanguageTag(t *testing.T) {
	assert.True(t, isLanguageTag("dyu_Latn"))
	assert.True(t, isLanguageTag("fra_Latn"))
	assert.False(t, isLanguageTag("</s>"))
	assert.False(t, isLanguageTag("▁bonjour"))
	assert.False(t, isLanguageTag("dyu-Latn"))
	assert.False(t, isLanguageTag("DYU_Latn"))
	assert.False(t, isLanguageTag("dyu_latn"))
	assert.False(t, isLanguageTag("dyu_Lat"))
}

func TestLoadVocabularyText(t *testing.T) {
	dir := t.TempDir()
	content := "<s>\n<pad>\n</s>\n<unk>\n▁bonjour\n"
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "shared_vocabulary.txt"), []byte(content), 0o644))

	vocab, err := LoadVocabulary(dir)
	assert.NoError(t, err)
	assert.Equal(t, 5, vocab.Size())
	assert.Equal(t, int64(4), vocab.ID("▁bonjour"))
	assert.Equal(t, int64(3), vocab.ID("missing"))
}

func TestLoadVocabularyJSON(t *testing.T) {
	dir := t.TempDir()
	content := `{"<unk>": 0, "▁bonjour": 1, "▁monde": 2}`
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "vocab.json"), []byte(content), 0o644))

	vocab, err := LoadVocabulary(dir)
	assert.NoError(t, err)
	assert.Equal(t, 3, vocab.Size())
	assert.Equal(t, int64(2), vocab.ID("▁monde"))
}

func TestLoadVocabularyMissing(t *testing.T) {
	_, err := LoadVocabulary(t.TempDir())
	assert.Error(t, err)
}
