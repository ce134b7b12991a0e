package pipelines

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kelen-ai/nllbserve/backends"
)

// TranslationPipeline turns source language text into target language text
// with an NLLB style encoder-decoder model. Per input the pipeline
// normalizes the text, tokenizes it into subword pieces, frames the pieces
// with language control tokens, invokes the batch translator, and
// detokenizes the best hypothesis.
//
// Two framing conventions are supported:
//
//   - target prefix (default): the encoder sees [src] pieces... </s> and the
//     decoder is forced to start with the target language tag
//   - spliced tag: the target tag is appended to the encoder sequence
//     instead, [src] pieces... </s> [tgt], and decoding is unconstrained
//
// Example usage:
//
//	pipeline, err := pipelines.NewTranslationPipeline(
//		pipelines.TranslationConfig{Name: "dyu-fra"},
//		model, translator, sourceTokenizer, targetTokenizer,
//	)
//	check(err)
//	output, err := pipeline.Run(context.Background(), []string{"i ni ce"})
//	// output.Translations[0] == "merci"
type TranslationPipeline struct {
	Model           *backends.Model
	Translator      backends.Translator
	SourceTokenizer backends.Tokenizer
	TargetTokenizer backends.Tokenizer

	PipelineName    string
	PipelineTimings *translationTimings

	// Generation parameters
	SourceLanguage    string
	TargetLanguage    string
	Lowercase         bool
	SplicedTargetTag  bool
	BeamSize          int
	MaxBatchSize      int
	MaxDecodingLength int
	ReturnScores      bool
}

// translationTimings tracks per-stage wall time with atomic counters.
type translationTimings struct {
	TokenizerNumCalls  uint64
	TokenizerTotalNS   uint64
	TranslatorNumCalls uint64
	TranslatorTotalNS  uint64
}

// TranslationOutput contains the translated batch.
type TranslationOutput struct {
	Translations []string
	Scores       []float32
}

// GetOutput returns the translations as untyped values for generic
// batch consumers.
func (o *TranslationOutput) GetOutput() []any {
	out := make([]any, len(o.Translations))
	for i, translation := range o.Translations {
		out[i] = translation
	}
	return out
}

// TranslationConfig configures a new translation pipeline.
type TranslationConfig struct {
	Name    string
	Options []TranslationOption
}

// TranslationOption is a configuration function for a translation pipeline.
type TranslationOption func(*TranslationPipeline) error

// WithSourceLanguage sets the source language control token.
func WithSourceLanguage(tag string) TranslationOption {
	return func(p *TranslationPipeline) error {
		if tag == "" {
			return errors.New("source language tag must not be empty")
		}
		p.SourceLanguage = tag
		return nil
	}
}

// WithTargetLanguage sets the target language control token.
func WithTargetLanguage(tag string) TranslationOption {
	return func(p *TranslationPipeline) error {
		if tag == "" {
			return errors.New("target language tag must not be empty")
		}
		p.TargetLanguage = tag
		return nil
	}
}

// WithLowercase controls whether inputs are lowercased during
// preprocessing.
func WithLowercase(enabled bool) TranslationOption {
	return func(p *TranslationPipeline) error {
		p.Lowercase = enabled
		return nil
	}
}

// WithSplicedTargetTag appends the target language tag to the encoder
// sequence instead of forcing it as a decoder prefix.
func WithSplicedTargetTag() TranslationOption {
	return func(p *TranslationPipeline) error {
		p.SplicedTargetTag = true
		return nil
	}
}

// WithBeamSize sets the beam width passed to the translator.
func WithBeamSize(n int) TranslationOption {
	return func(p *TranslationPipeline) error {
		if n <= 0 {
			return errors.New("beam size must be positive")
		}
		p.BeamSize = n
		return nil
	}
}

// WithMaxBatchSize caps the number of tokens per translator run.
func WithMaxBatchSize(n int) TranslationOption {
	return func(p *TranslationPipeline) error {
		if n < 0 {
			return errors.New("max batch size must not be negative")
		}
		p.MaxBatchSize = n
		return nil
	}
}

// WithMaxDecodingLength caps generated tokens per hypothesis.
func WithMaxDecodingLength(n int) TranslationOption {
	return func(p *TranslationPipeline) error {
		if n <= 0 {
			return errors.New("max decoding length must be positive")
		}
		p.MaxDecodingLength = n
		return nil
	}
}

// WithScores returns a log probability score per translation.
func WithScores() TranslationOption {
	return func(p *TranslationPipeline) error {
		p.ReturnScores = true
		return nil
	}
}

// NewTranslationPipeline creates a translation pipeline over loaded
// artifacts.
func NewTranslationPipeline(
	config TranslationConfig,
	model *backends.Model,
	translator backends.Translator,
	sourceTokenizer, targetTokenizer backends.Tokenizer,
) (*TranslationPipeline, error) {
	pipeline := &TranslationPipeline{
		Model:           model,
		Translator:      translator,
		SourceTokenizer: sourceTokenizer,
		TargetTokenizer: targetTokenizer,
		PipelineName:    config.Name,
		PipelineTimings: &translationTimings{},

		// Defaults match the Dyula to French checkpoint
		SourceLanguage:    "dyu_Latn",
		TargetLanguage:    "fra_Latn",
		Lowercase:         true,
		BeamSize:          1,
		MaxBatchSize:      256,
		MaxDecodingLength: 256,
	}

	for _, opt := range config.Options {
		if err := opt(pipeline); err != nil {
			return nil, fmt.Errorf("applying option: %w", err)
		}
	}

	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("validation: %w", err)
	}
	return pipeline, nil
}

// Validate checks that the pipeline is correctly configured.
func (p *TranslationPipeline) Validate() error {
	var errs []error

	if p.PipelineName == "" {
		errs = append(errs, errors.New("a name for the pipeline is required"))
	}
	if p.Model == nil {
		errs = append(errs, errors.New("model not loaded"))
	}
	if p.Translator == nil {
		errs = append(errs, errors.New("translator not loaded"))
	}
	if p.SourceTokenizer == nil {
		errs = append(errs, errors.New("source tokenizer not loaded"))
	}
	if p.TargetTokenizer == nil {
		errs = append(errs, errors.New("target tokenizer not loaded"))
	}
	if p.SourceLanguage == "" || p.TargetLanguage == "" {
		errs = append(errs, errors.New("source and target language tags are required"))
	}

	return errors.Join(errs...)
}

// Preprocess normalizes one raw input string.
func (p *TranslationPipeline) Preprocess(text string) string {
	text = strings.TrimSpace(text)
	if p.Lowercase {
		text = strings.ToLower(text)
	}
	return text
}

// Frame builds the encoder token sequence for one input: the source
// language tag, the subword pieces, the end marker, and in spliced mode the
// target language tag.
func (p *TranslationPipeline) Frame(pieces []string) []string {
	framed := make([]string, 0, len(pieces)+3)
	framed = append(framed, p.SourceLanguage)
	framed = append(framed, pieces...)
	framed = append(framed, "</s>")
	if p.SplicedTargetTag {
		framed = append(framed, p.TargetLanguage)
	}
	return framed
}

// TargetPrefix builds the forced decoder prefix for a batch, one entry per
// input. Nil in spliced mode.
func (p *TranslationPipeline) TargetPrefix(batchSize int) [][]string {
	if p.SplicedTargetTag {
		return nil
	}
	prefix := make([][]string, batchSize)
	for i := range prefix {
		prefix[i] = []string{p.TargetLanguage}
	}
	return prefix
}

// Run translates a batch of raw input strings.
func (p *TranslationPipeline) Run(ctx context.Context, inputs []string) (*TranslationOutput, error) {
	if len(inputs) == 0 {
		return &TranslationOutput{}, nil
	}

	tokenized, err := p.tokenize(inputs)
	if err != nil {
		return nil, fmt.Errorf("tokenize: %w", err)
	}

	results, err := p.translate(ctx, tokenized)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	output, err := p.postprocess(results)
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}
	return output, nil
}

func (p *TranslationPipeline) tokenize(inputs []string) ([][]string, error) {
	start := time.Now()

	tokenized := make([][]string, len(inputs))
	for i, input := range inputs {
		pieces, err := p.SourceTokenizer.EncodePieces(p.Preprocess(input))
		if err != nil {
			return nil, err
		}
		tokenized[i] = p.Frame(pieces)
	}

	atomic.AddUint64(&p.PipelineTimings.TokenizerNumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TokenizerTotalNS, uint64(time.Since(start)))
	return tokenized, nil
}

func (p *TranslationPipeline) translate(ctx context.Context, tokenized [][]string) ([]backends.TranslationResult, error) {
	start := time.Now()

	results, err := p.Translator.TranslateBatch(ctx, tokenized, backends.TranslateOptions{
		BeamSize:          p.BeamSize,
		MaxBatchSize:      p.MaxBatchSize,
		MaxDecodingLength: p.MaxDecodingLength,
		TargetPrefix:      p.TargetPrefix(len(tokenized)),
		ReturnScores:      p.ReturnScores,
	})
	if err != nil {
		return nil, err
	}
	if len(results) != len(tokenized) {
		return nil, fmt.Errorf("translator returned %d results for %d inputs", len(results), len(tokenized))
	}

	atomic.AddUint64(&p.PipelineTimings.TranslatorNumCalls, 1)
	atomic.AddUint64(&p.PipelineTimings.TranslatorTotalNS, uint64(time.Since(start)))
	return results, nil
}

func (p *TranslationPipeline) postprocess(results []backends.TranslationResult) (*TranslationOutput, error) {
	output := &TranslationOutput{
		Translations: make([]string, len(results)),
	}
	if p.ReturnScores {
		output.Scores = make([]float32, len(results))
	}

	for i, result := range results {
		if len(result.Hypotheses) == 0 {
			return nil, fmt.Errorf("translator returned no hypothesis for input %d", i)
		}
		hypothesis := p.stripTargetTag(result.Hypotheses[0])
		text, err := p.TargetTokenizer.DecodePieces(hypothesis)
		if err != nil {
			return nil, fmt.Errorf("decoding hypothesis %d: %w", i, err)
		}
		output.Translations[i] = text
		if p.ReturnScores && len(result.Scores) > 0 {
			output.Scores[i] = result.Scores[0]
		}
	}
	return output, nil
}

// stripTargetTag removes the target language tag from a hypothesis. Forced
// prefix decoding always emits it as the first piece.
func (p *TranslationPipeline) stripTargetTag(pieces []string) []string {
	kept := make([]string, 0, len(pieces))
	for _, piece := range pieces {
		if piece == p.TargetLanguage {
			continue
		}
		kept = append(kept, piece)
	}
	return kept
}

// GetStats returns runtime statistics for profiling purposes.
func (p *TranslationPipeline) GetStats() []string {
	tokenizerCalls := atomic.LoadUint64(&p.PipelineTimings.TokenizerNumCalls)
	tokenizerNS := atomic.LoadUint64(&p.PipelineTimings.TokenizerTotalNS)
	translatorCalls := atomic.LoadUint64(&p.PipelineTimings.TranslatorNumCalls)
	translatorNS := atomic.LoadUint64(&p.PipelineTimings.TranslatorTotalNS)

	return []string{
		fmt.Sprintf("statistics for pipeline: %s", p.PipelineName),
		fmt.Sprintf("tokenizer: %d batch calls, %s total", tokenizerCalls, time.Duration(tokenizerNS)),
		fmt.Sprintf("translator: %d batch calls, %s total", translatorCalls, time.Duration(translatorNS)),
	}
}

// Destroy releases the pipeline resources.
func (p *TranslationPipeline) Destroy() error {
	var errs []error
	if p.Translator != nil {
		errs = append(errs, p.Translator.Close())
	}
	if p.SourceTokenizer != nil {
		errs = append(errs, p.SourceTokenizer.Close())
	}
	if p.TargetTokenizer != nil && p.TargetTokenizer != p.SourceTokenizer {
		errs = append(errs, p.TargetTokenizer.Close())
	}
	return errors.Join(errs...)
}
