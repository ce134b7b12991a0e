//go:build !ORT && !ALL

package backends

import (
	"fmt"

	"github.com/advancedclimatesystems/gonnx"
	"gorgonia.org/tensor"

	"github.com/kelen-ai/nllbserve/options"
	"github.com/kelen-ai/nllbserve/util/fileutil"
)

// NewTranslator builds a pure Go translator for the model. No native
// libraries are required; the ORT build tag switches to onnxruntime.
func NewTranslator(model *Model, _ *options.Options) (Translator, error) {
	encoder, err := loadGoModel(model.EncoderPath)
	if err != nil {
		return nil, fmt.Errorf("loading encoder graph: %w", err)
	}
	decoder, err := loadGoModel(model.DecoderPath)
	if err != nil {
		return nil, fmt.Errorf("loading decoder graph: %w", err)
	}
	return &translatorCore{
		model:   model,
		session: &goSeq2SeqSession{encoder: encoder, decoder: decoder},
	}, nil
}

func loadGoModel(path string) (*gonnx.Model, error) {
	onnxBytes, err := fileutil.ReadFileBytes(path)
	if err != nil {
		return nil, err
	}
	return gonnx.NewModelFromBytes(onnxBytes)
}

type goSeq2SeqSession struct {
	encoder *gonnx.Model
	decoder *gonnx.Model
}

func (s *goSeq2SeqSession) encode(inputIDs, attentionMask [][]int64) (any, error) {
	inputs := gonnx.Tensors{}
	for _, name := range s.encoder.InputNames() {
		switch name {
		case "input_ids":
			inputs[name] = newInt64Tensor(inputIDs)
		case "attention_mask":
			inputs[name] = newInt64Tensor(attentionMask)
		default:
			return nil, fmt.Errorf("encoder input %s not recognized", name)
		}
	}

	outputs, err := s.encoder.Run(inputs)
	if err != nil {
		return nil, err
	}
	hiddenStates, err := pickOutput(outputs, s.encoder.OutputNames(), "last_hidden_state")
	if err != nil {
		return nil, err
	}
	return hiddenStates, nil
}

func (s *goSeq2SeqSession) decode(state any, attentionMask, decoderInputIDs [][]int64) ([]float32, error) {
	hiddenStates, ok := state.(tensor.Tensor)
	if !ok {
		return nil, fmt.Errorf("invalid encoder state type %T", state)
	}

	inputs := gonnx.Tensors{}
	for _, name := range s.decoder.InputNames() {
		switch name {
		case "input_ids":
			inputs[name] = newInt64Tensor(decoderInputIDs)
		case "encoder_attention_mask", "attention_mask":
			inputs[name] = newInt64Tensor(attentionMask)
		case "encoder_hidden_states":
			inputs[name] = hiddenStates
		default:
			return nil, fmt.Errorf("decoder input %s not recognized", name)
		}
	}

	outputs, err := s.decoder.Run(inputs)
	if err != nil {
		return nil, err
	}
	logits, err := pickOutput(outputs, s.decoder.OutputNames(), "logits")
	if err != nil {
		return nil, err
	}

	data, ok := logits.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("unexpected logits data type %T", logits.Data())
	}
	shape := logits.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("unexpected logits shape %v", shape)
	}
	return lastPositionLogitsGo(data, shape[0], shape[1], shape[2]), nil
}

func pickOutput(outputs gonnx.Tensors, names []string, want string) (tensor.Tensor, error) {
	if result, ok := outputs[want]; ok {
		return result, nil
	}
	for _, name := range names {
		if result, ok := outputs[name]; ok {
			return result, nil
		}
	}
	return nil, fmt.Errorf("output %s not found in graph results", want)
}

func lastPositionLogitsGo(data []float32, batchSize, seqLen, vocabSize int) []float32 {
	last := make([]float32, batchSize*vocabSize)
	for i := 0; i < batchSize; i++ {
		offset := (i*seqLen + seqLen - 1) * vocabSize
		copy(last[i*vocabSize:(i+1)*vocabSize], data[offset:offset+vocabSize])
	}
	return last
}

func newInt64Tensor(rows [][]int64) tensor.Tensor {
	batchSize := len(rows)
	seqLen := 0
	if batchSize > 0 {
		seqLen = len(rows[0])
	}
	flat := make([]int64, 0, batchSize*seqLen)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return tensor.New(
		tensor.Of(tensor.Int64),
		tensor.WithShape(batchSize, seqLen),
		tensor.WithBacking(flat),
	)
}

func (s *goSeq2SeqSession) destroyState(any) error {
	return nil
}

func (s *goSeq2SeqSession) close() error {
	return nil
}
