package backends

import (
	"context"
	"errors"
	"fmt"
	"math"
)

// ErrBeamWidthUnsupported is returned when a beam width above 1 is requested.
// The bundled backends decode greedily; wider beams would need a different
// decoder export.
var ErrBeamWidthUnsupported = errors.New("beam widths above 1 are not supported by this backend")

const defaultMaxDecodingLength = 256

// TranslateOptions mirror the knobs of a batch translate call.
type TranslateOptions struct {
	// BeamSize is the beam width. Zero means 1.
	BeamSize int
	// MaxBatchSize caps the number of tokens per inference run. Batches
	// framing more tokens are split into sub-batches. Zero means no cap.
	MaxBatchSize int
	// MaxDecodingLength caps generated tokens per hypothesis.
	MaxDecodingLength int
	// TargetPrefix forces the first decoded tokens of each batch entry.
	// When set, its length must equal the batch size.
	TargetPrefix [][]string
	// ReturnScores computes a log probability score per hypothesis.
	ReturnScores bool
}

// TranslationResult holds the ranked candidate outputs for one input.
type TranslationResult struct {
	// Hypotheses[0] is the best candidate, as subword pieces.
	Hypotheses [][]string
	Scores     []float32
}

// Translator is a batch translation engine over framed subword pieces.
// Implementations are safe for concurrent use after construction.
type Translator interface {
	TranslateBatch(ctx context.Context, tokens [][]string, opts TranslateOptions) ([]TranslationResult, error)
	Close() error
}

// seq2seqSession is the backend primitive the greedy decoding loop runs on.
type seq2seqSession interface {
	// encode runs the encoder and returns an opaque state for decode.
	encode(inputIDs, attentionMask [][]int64) (any, error)
	// decode runs the decoder over the full generated prefix and returns
	// the logits of the last position, flattened as batch * vocab.
	decode(state any, attentionMask, decoderInputIDs [][]int64) ([]float32, error)
	// destroyState releases backend resources held by an encode state.
	destroyState(state any) error
	close() error
}

// translatorCore implements greedy decoding with forced target prefixes on
// top of a backend session.
type translatorCore struct {
	model   *Model
	session seq2seqSession
}

func (t *translatorCore) TranslateBatch(ctx context.Context, tokens [][]string, opts TranslateOptions) ([]TranslationResult, error) {
	if err := validateOptions(tokens, opts); err != nil {
		return nil, err
	}
	if len(tokens) == 0 {
		return nil, nil
	}
	maxLength := opts.MaxDecodingLength
	if maxLength <= 0 {
		maxLength = defaultMaxDecodingLength
	}

	results := make([]TranslationResult, 0, len(tokens))
	for _, chunk := range chunkByTokens(len(tokens), tokens, opts.MaxBatchSize) {
		chunkPrefix := opts.TargetPrefix
		if chunkPrefix != nil {
			chunkPrefix = chunkPrefix[chunk.start:chunk.end]
		}
		chunkResults, err := t.translateChunk(ctx, tokens[chunk.start:chunk.end], chunkPrefix, maxLength, opts.ReturnScores)
		if err != nil {
			return nil, err
		}
		results = append(results, chunkResults...)
	}
	return results, nil
}

func validateOptions(tokens [][]string, opts TranslateOptions) error {
	if opts.BeamSize > 1 {
		return fmt.Errorf("beam size %d: %w", opts.BeamSize, ErrBeamWidthUnsupported)
	}
	if opts.TargetPrefix != nil && len(opts.TargetPrefix) != len(tokens) {
		return fmt.Errorf("target prefix length %d does not match batch size %d", len(opts.TargetPrefix), len(tokens))
	}
	return nil
}

func (t *translatorCore) translateChunk(ctx context.Context, tokens [][]string, targetPrefix [][]string, maxLength int, returnScores bool) (results []TranslationResult, err error) {
	batchSize := len(tokens)
	vocab := t.model.Vocab

	inputIDs, attentionMask := padBatch(tokens, vocab, t.model.PadTokenID)

	state, encodeErr := t.session.encode(inputIDs, attentionMask)
	if encodeErr != nil {
		return nil, fmt.Errorf("running encoder: %w", encodeErr)
	}
	defer func() {
		err = errors.Join(err, t.session.destroyState(state))
	}()

	// Decoder input starts with the decoder start token; forced prefix
	// tokens are consumed before free decoding begins.
	decoderIDs := make([][]int64, batchSize)
	generated := make([][]int64, batchSize)
	scores := make([]float32, batchSize)
	finished := make([]bool, batchSize)
	finishedCount := 0
	for i := range decoderIDs {
		decoderIDs[i] = []int64{t.model.DecoderStartTokenID}
	}

	vocabSize := t.model.VocabSize
	for step := 0; step < maxLength; step++ {
		if finishedCount == batchSize {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		logits, decodeErr := t.session.decode(state, attentionMask, decoderIDs)
		if decodeErr != nil {
			return nil, fmt.Errorf("running decoder at step %d: %w", step, decodeErr)
		}

		for i := 0; i < batchSize; i++ {
			if finished[i] {
				// keep the sequence length aligned across the batch
				decoderIDs[i] = append(decoderIDs[i], t.model.PadTokenID)
				continue
			}

			rowLogits := logits[i*vocabSize : (i+1)*vocabSize]
			var next int64
			if targetPrefix != nil && step < len(targetPrefix[i]) {
				next = vocab.ID(targetPrefix[i][step])
			} else {
				next = argmax(rowLogits)
			}
			if returnScores {
				scores[i] += logProb(rowLogits, next)
			}

			decoderIDs[i] = append(decoderIDs[i], next)
			if t.model.EosTokenIDs[next] {
				finished[i] = true
				finishedCount++
				continue
			}
			generated[i] = append(generated[i], next)
		}
	}

	results = make([]TranslationResult, batchSize)
	for i := range results {
		results[i] = TranslationResult{Hypotheses: [][]string{vocab.Pieces(generated[i])}}
		if returnScores {
			results[i].Scores = []float32{scores[i]}
		}
	}
	return results, nil
}

// padBatch maps piece sequences to right-padded id matrices with an
// attention mask.
func padBatch(tokens [][]string, vocab *Vocabulary, padID int64) ([][]int64, [][]int64) {
	maxLen := 0
	for _, sequence := range tokens {
		if len(sequence) > maxLen {
			maxLen = len(sequence)
		}
	}
	inputIDs := make([][]int64, len(tokens))
	attentionMask := make([][]int64, len(tokens))
	for i, sequence := range tokens {
		ids := make([]int64, maxLen)
		mask := make([]int64, maxLen)
		for j := 0; j < maxLen; j++ {
			if j < len(sequence) {
				ids[j] = vocab.ID(sequence[j])
				mask[j] = 1
			} else {
				ids[j] = padID
			}
		}
		inputIDs[i] = ids
		attentionMask[i] = mask
	}
	return inputIDs, attentionMask
}

type batchChunk struct {
	start, end int
}

// chunkByTokens splits a batch so that no sub-batch frames more than
// maxTokens tokens, mirroring token-level batching. A single oversized
// sequence still forms its own chunk.
func chunkByTokens(batchSize int, tokens [][]string, maxTokens int) []batchChunk {
	if maxTokens <= 0 {
		return []batchChunk{{0, batchSize}}
	}
	var chunks []batchChunk
	start := 0
	count := 0
	for i, sequence := range tokens {
		if i > start && count+len(sequence) > maxTokens {
			chunks = append(chunks, batchChunk{start, i})
			start = i
			count = 0
		}
		count += len(sequence)
	}
	chunks = append(chunks, batchChunk{start, batchSize})
	return chunks
}

func argmax(logits []float32) int64 {
	best := 0
	for i, v := range logits {
		if v > logits[best] {
			best = i
		}
	}
	return int64(best)
}

// logProb computes the log softmax probability of the selected token.
func logProb(logits []float32, selected int64) float32 {
	maxLogit := logits[0]
	for _, v := range logits {
		if v > maxLogit {
			maxLogit = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxLogit))
	}
	return logits[selected] - maxLogit - float32(math.Log(sum))
}

func (t *translatorCore) Close() error {
	return t.session.close()
}
