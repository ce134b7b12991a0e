package pipelines

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kelen-ai/nllbserve/backends"
)

type stubTokenizer struct {
	closed bool
}

func (t *stubTokenizer) EncodePieces(text string) ([]string, error) {
	if text == "" {
		return nil, nil
	}
	words := strings.Fields(text)
	pieces := make([]string, len(words))
	for i, word := range words {
		pieces[i] = "▁" + word
	}
	return pieces, nil
}

func (t *stubTokenizer) DecodePieces(pieces []string) (string, error) {
	var builder strings.Builder
	for _, piece := range pieces {
		switch piece {
		case "</s>", "<s>", "<pad>", "<unk>":
			continue
		}
		builder.WriteString(strings.ReplaceAll(piece, "▁", " "))
	}
	return strings.TrimSpace(builder.String()), nil
}

func (t *stubTokenizer) Close() error {
	t.closed = true
	return nil
}

type stubTranslator struct {
	lastTokens  [][]string
	lastOptions backends.TranslateOptions
	hypotheses  map[string][]string
	err         error
	closed      bool
}

func (t *stubTranslator) TranslateBatch(_ context.Context, tokens [][]string, opts backends.TranslateOptions) ([]backends.TranslationResult, error) {
	t.lastTokens = tokens
	t.lastOptions = opts
	if t.err != nil {
		return nil, t.err
	}
	results := make([]backends.TranslationResult, len(tokens))
	for i, framed := range tokens {
		key := strings.Join(framed, " ")
		hypothesis, ok := t.hypotheses[key]
		if !ok {
			hypothesis = []string{"fra_Latn", "▁bonjour", "</s>"}
		}
		results[i] = backends.TranslationResult{
			Hypotheses: [][]string{hypothesis},
			Scores:     []float32{-0.5},
		}
	}
	return results, nil
}

func (t *stubTranslator) Close() error {
	t.closed = true
	return nil
}

func newTestPipeline(t *testing.T, translator backends.Translator, options ...TranslationOption) *TranslationPipeline {
	t.Helper()
	pipeline, err := NewTranslationPipeline(
		TranslationConfig{Name: "test-translation", Options: options},
		&backends.Model{},
		translator,
		&stubTokenizer{},
		&stubTokenizer{},
	)
	assert.NoError(t, err)
	return pipeline
}

func TestTranslationPipelineValidation(t *testing.T) {
	_, err := NewTranslationPipeline(TranslationConfig{}, nil, nil, nil, nil)
	assert.Error(t, err)

	_, err = NewTranslationPipeline(
		TranslationConfig{Name: "missing-translator"},
		&backends.Model{}, nil, &stubTokenizer{}, &stubTokenizer{},
	)
	assert.Error(t, err)
}

func TestTranslationPipelineOptionErrors(t *testing.T) {
	_, err := NewTranslationPipeline(
		TranslationConfig{Name: "bad-beam", Options: []TranslationOption{WithBeamSize(0)}},
		&backends.Model{}, &stubTranslator{}, &stubTokenizer{}, &stubTokenizer{},
	)
	assert.Error(t, err)

	_, err = NewTranslationPipeline(
		TranslationConfig{Name: "bad-tag", Options: []TranslationOption{WithTargetLanguage("")}},
		&backends.Model{}, &stubTranslator{}, &stubTokenizer{}, &stubTokenizer{},
	)
	assert.Error(t, err)
}

func TestTranslationPipelinePreprocess(t *testing.T) {
	pipeline := newTestPipeline(t, &stubTranslator{})
	assert.Equal(t, "hello world", pipeline.Preprocess("  Hello World \n"))

	pipeline = newTestPipeline(t, &stubTranslator{}, WithLowercase(false))
	assert.Equal(t, "Hello World", pipeline.Preprocess("  Hello World \n"))
}

func TestTranslationPipelineFraming(t *testing.T) {
	translator := &stubTranslator{}
	pipeline := newTestPipeline(t, translator)

	_, err := pipeline.Run(context.Background(), []string{"i ni ce"})
	assert.NoError(t, err)
	assert.Equal(t, [][]string{
		{"dyu_Latn", "▁i", "▁ni", "▁ce", "</s>"},
	}, translator.lastTokens)
	assert.Equal(t, [][]string{{"fra_Latn"}}, translator.lastOptions.TargetPrefix)
}

func TestTranslationPipelineSplicedFraming(t *testing.T) {
	translator := &stubTranslator{}
	pipeline := newTestPipeline(t, translator,
		WithSourceLanguage("dyu"),
		WithTargetLanguage("fr"),
		WithSplicedTargetTag(),
	)

	_, err := pipeline.Run(context.Background(), []string{"i ni ce"})
	assert.NoError(t, err)
	assert.Equal(t, [][]string{
		{"dyu", "▁i", "▁ni", "▁ce", "</s>", "fr"},
	}, translator.lastTokens)
	assert.Nil(t, translator.lastOptions.TargetPrefix)
}

func TestTranslationPipelineTargetPrefixPerInput(t *testing.T) {
	translator := &stubTranslator{}
	pipeline := newTestPipeline(t, translator)

	inputs := []string{"a", "b", "c", "d"}
	_, err := pipeline.Run(context.Background(), inputs)
	assert.NoError(t, err)
	assert.Len(t, translator.lastOptions.TargetPrefix, len(inputs))
	for _, prefix := range translator.lastOptions.TargetPrefix {
		assert.Equal(t, []string{"fra_Latn"}, prefix)
	}
}

func TestTranslationPipelineRun(t *testing.T) {
	translator := &stubTranslator{
		hypotheses: map[string][]string{
			"dyu_Latn ▁hello </s>": {"fra_Latn", "▁Bonjour", "</s>"},
		},
	}
	pipeline := newTestPipeline(t, translator)

	output, err := pipeline.Run(context.Background(), []string{"Hello"})
	assert.NoError(t, err)
	assert.Equal(t, []string{"Bonjour"}, output.Translations)
}

func TestTranslationPipelineStripsTargetTag(t *testing.T) {
	translator := &stubTranslator{}
	pipeline := newTestPipeline(t, translator)

	output, err := pipeline.Run(context.Background(), []string{"hello"})
	assert.NoError(t, err)
	assert.Equal(t, "bonjour", output.Translations[0])
	assert.NotContains(t, output.Translations[0], "fra_Latn")
}

func TestTranslationPipelineScores(t *testing.T) {
	pipeline := newTestPipeline(t, &stubTranslator{}, WithScores())

	output, err := pipeline.Run(context.Background(), []string{"hello", "world"})
	assert.NoError(t, err)
	assert.Equal(t, []float32{-0.5, -0.5}, output.Scores)
}

func TestTranslationPipelineEmptyBatch(t *testing.T) {
	translator := &stubTranslator{}
	pipeline := newTestPipeline(t, translator)

	output, err := pipeline.Run(context.Background(), nil)
	assert.NoError(t, err)
	assert.Empty(t, output.Translations)
	assert.Nil(t, translator.lastTokens)
}

func TestTranslationPipelineTranslatorError(t *testing.T) {
	translator := &stubTranslator{err: errors.New("session failure")}
	pipeline := newTestPipeline(t, translator)

	_, err := pipeline.Run(context.Background(), []string{"hello"})
	assert.ErrorContains(t, err, "session failure")
}

func TestTranslationPipelineGetOutput(t *testing.T) {
	output := &TranslationOutput{Translations: []string{"a", "b"}}
	assert.Equal(t, []any{"a", "b"}, output.GetOutput())
}

func TestTranslationPipelineDestroy(t *testing.T) {
	translator := &stubTranslator{}
	source := &stubTokenizer{}
	target := &stubTokenizer{}
	pipeline, err := NewTranslationPipeline(
		TranslationConfig{Name: "destroy-test"},
		&backends.Model{}, translator, source, target,
	)
	assert.NoError(t, err)
	assert.NoError(t, pipeline.Destroy())
	assert.True(t, translator.closed)
	assert.True(t, source.closed)
	assert.True(t, target.closed)
}

func TestTranslationPipelineStats(t *testing.T) {
	pipeline := newTestPipeline(t, &stubTranslator{})
	_, err := pipeline.Run(context.Background(), []string{"hello"})
	assert.NoError(t, err)

	stats := pipeline.GetStats()
	assert.Len(t, stats, 3)
	assert.Contains(t, stats[0], "test-translation")
}
