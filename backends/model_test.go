package backends

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func writeTestCheckpoint(t *testing.T, configJSON string) string {
	t.Helper()
	dir := t.TempDir()
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "encoder_model.onnx"), []byte("onnx"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "decoder_model.onnx"), []byte("onnx"), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "config.json"), []byte(configJSON), 0o644))
	assert.NoError(t, os.WriteFile(filepath.Join(dir, "shared_vocabulary.txt"), []byte("<s>\n<pad>\n</s>\n<unk>\n"), 0o644))
	return dir
}

func TestLoadModel(t *testing.T) {
	dir := writeTestCheckpoint(t, `{
		"model_type": "m2m_100",
		"vocab_size": 256206,
		"eos_token_id": 2,
		"pad_token_id": 1,
		"decoder_start_token_id": 2,
		"max_position_embeddings": 1024
	}`)

	model, err := LoadModel(dir)
	assert.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "encoder_model.onnx"), model.EncoderPath)
	assert.Equal(t, filepath.Join(dir, "decoder_model.onnx"), model.DecoderPath)
	assert.Equal(t, int64(2), model.DecoderStartTokenID)
	assert.Equal(t, int64(1), model.PadTokenID)
	assert.True(t, model.EosTokenIDs[2])
	assert.Equal(t, 256206, model.VocabSize)
	assert.Equal(t, 1024, model.MaxPositionEmbeddings)
}

func TestLoadModelEosList(t *testing.T) {
	dir := writeTestCheckpoint(t, `{"eos_token_id": [2, 3], "pad_token_id": 1}`)

	model, err := LoadModel(dir)
	assert.NoError(t, err)
	assert.True(t, model.EosTokenIDs[2])
	assert.True(t, model.EosTokenIDs[3])
	// decoder start falls back to the first eos id
	assert.Equal(t, int64(2), model.DecoderStartTokenID)
	// vocab size falls back to the vocabulary table
	assert.Equal(t, 4, model.VocabSize)
}

func TestLoadModelNoEos(t *testing.T) {
	dir := writeTestCheckpoint(t, `{"pad_token_id": 1}`)
	_, err := LoadModel(dir)
	assert.ErrorContains(t, err, "eos_token_id")
}

func TestLoadModelMissingGraphs(t *testing.T) {
	_, err := LoadModel(t.TempDir())
	assert.ErrorContains(t, err, "missing encoder or decoder graph")
}

func TestTokenIDSet(t *testing.T) {
	assert.Equal(t, map[int64]bool{2: true}, tokenIDSet(float64(2)))
	assert.Equal(t, map[int64]bool{2: true, 3: true}, tokenIDSet([]any{float64(2), float64(3)}))
	assert.Empty(t, tokenIDSet(nil))
	assert.Empty(t, tokenIDSet("2"))
}

func TestFirstTokenID(t *testing.T) {
	assert.Equal(t, int64(5), firstTokenID(float64(5), 1))
	assert.Equal(t, int64(7), firstTokenID([]any{float64(7)}, 1))
	assert.Equal(t, int64(1), firstTokenID(nil, 1))
	assert.Equal(t, int64(1), firstTokenID([]any{}, 1))
}
