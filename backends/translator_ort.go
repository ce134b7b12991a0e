//go:build ORT || ALL

package backends

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/kelen-ai/nllbserve/options"
	"github.com/kelen-ai/nllbserve/util/fileutil"
)

// NewTranslator builds an onnxruntime backed translator for the model.
// The onnxruntime environment is initialized on first use.
func NewTranslator(model *Model, opts *options.Options) (Translator, error) {
	if err := initORT(opts); err != nil {
		return nil, err
	}

	sessionOptions, err := createORTSessionOptions(opts.ORTOptions)
	if err != nil {
		return nil, err
	}

	encoder, encoderInputs, err := createORTSession(model.EncoderPath, "last_hidden_state", sessionOptions)
	if err != nil {
		sessionOptions.Destroy()
		return nil, fmt.Errorf("creating encoder session: %w", err)
	}
	decoder, decoderInputs, err := createORTSession(model.DecoderPath, "logits", sessionOptions)
	if err != nil {
		sessionOptions.Destroy()
		return nil, errors.Join(fmt.Errorf("creating decoder session: %w", err), encoder.Destroy())
	}

	return &translatorCore{
		model: model,
		session: &ortSeq2SeqSession{
			encoder:        encoder,
			decoder:        decoder,
			encoderInputs:  encoderInputs,
			decoderInputs:  decoderInputs,
			sessionOptions: sessionOptions,
		},
	}, nil
}

var ortInitMutex sync.Mutex

func initORT(opts *options.Options) error {
	ortInitMutex.Lock()
	defer ortInitMutex.Unlock()

	if ort.IsInitialized() {
		return nil
	}
	o := opts.ORTOptions
	if o.LibraryPath != nil {
		exists, err := fileutil.FileExists(*o.LibraryPath)
		if err != nil {
			return err
		}
		if !exists {
			return fmt.Errorf("cannot find the onnxruntime library at: %s", *o.LibraryPath)
		}
		ort.SetSharedLibraryPath(*o.LibraryPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return err
	}
	if o.Telemetry != nil && *o.Telemetry {
		return ort.EnableTelemetry()
	}
	return ort.DisableTelemetry()
}

func createORTSessionOptions(o *options.OrtOptions) (*ort.SessionOptions, error) {
	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		return nil, err
	}
	if o.IntraOpNumThreads != nil {
		if err := sessionOptions.SetIntraOpNumThreads(*o.IntraOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.InterOpNumThreads != nil {
		if err := sessionOptions.SetInterOpNumThreads(*o.InterOpNumThreads); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.CPUMemArena != nil {
		if err := sessionOptions.SetCpuMemArena(*o.CPUMemArena); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.MemPattern != nil {
		if err := sessionOptions.SetMemPattern(*o.MemPattern); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	if o.CudaOptions != nil {
		cudaOptions, optErr := ort.NewCUDAProviderOptions()
		if optErr != nil {
			return nil, errors.Join(optErr, sessionOptions.Destroy())
		}
		if len(o.CudaOptions) > 0 {
			if err := cudaOptions.Update(o.CudaOptions); err != nil {
				return nil, errors.Join(err, sessionOptions.Destroy())
			}
		}
		if err := sessionOptions.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, errors.Join(err, sessionOptions.Destroy())
		}
	}
	return sessionOptions, nil
}

func createORTSession(onnxPath string, wantOutput string, sessionOptions *ort.SessionOptions) (*ort.DynamicAdvancedSession, []string, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(onnxPath)
	if err != nil {
		return nil, nil, err
	}
	inputNames := make([]string, 0, len(inputs))
	for _, input := range inputs {
		// past key value inputs belong to cache-enabled decoder branches,
		// which the full-sequence decoding loop does not use
		if strings.HasPrefix(input.Name, "past_key_values") {
			continue
		}
		inputNames = append(inputNames, input.Name)
	}

	// only the named output is fetched; present key value outputs are
	// skipped entirely
	outputName := outputs[0].Name
	for _, output := range outputs {
		if output.Name == wantOutput {
			outputName = output.Name
			break
		}
	}

	session, err := ort.NewDynamicAdvancedSession(onnxPath, inputNames, []string{outputName}, sessionOptions)
	if err != nil {
		return nil, nil, err
	}
	return session, inputNames, nil
}

type ortSeq2SeqSession struct {
	encoder        *ort.DynamicAdvancedSession
	decoder        *ort.DynamicAdvancedSession
	encoderInputs  []string
	decoderInputs  []string
	sessionOptions *ort.SessionOptions
}

type ortEncoderState struct {
	hiddenStates *ort.Tensor[float32]
}

func (s *ortSeq2SeqSession) encode(inputIDs, attentionMask [][]int64) (any, error) {
	idsTensor, err := newORTInt64Tensor(inputIDs)
	if err != nil {
		return nil, err
	}
	defer idsTensor.Destroy()
	maskTensor, err := newORTInt64Tensor(attentionMask)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()

	inputs := make([]ort.Value, len(s.encoderInputs))
	for i, name := range s.encoderInputs {
		switch name {
		case "input_ids":
			inputs[i] = idsTensor
		case "attention_mask":
			inputs[i] = maskTensor
		default:
			return nil, fmt.Errorf("encoder input %s not recognized", name)
		}
	}

	outputs := []ort.Value{nil}
	if err := s.encoder.Run(inputs, outputs); err != nil {
		return nil, err
	}
	hiddenStates, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		outputs[0].Destroy()
		return nil, fmt.Errorf("unexpected encoder output type %T", outputs[0])
	}
	return &ortEncoderState{hiddenStates: hiddenStates}, nil
}

func (s *ortSeq2SeqSession) decode(state any, attentionMask, decoderInputIDs [][]int64) ([]float32, error) {
	encoderState, ok := state.(*ortEncoderState)
	if !ok {
		return nil, fmt.Errorf("invalid encoder state type %T", state)
	}

	decoderIDsTensor, err := newORTInt64Tensor(decoderInputIDs)
	if err != nil {
		return nil, err
	}
	defer decoderIDsTensor.Destroy()
	maskTensor, err := newORTInt64Tensor(attentionMask)
	if err != nil {
		return nil, err
	}
	defer maskTensor.Destroy()

	var extraTensors []ort.Value
	defer func() {
		for _, extra := range extraTensors {
			extra.Destroy()
		}
	}()

	inputs := make([]ort.Value, len(s.decoderInputs))
	for i, name := range s.decoderInputs {
		switch name {
		case "input_ids":
			inputs[i] = decoderIDsTensor
		case "encoder_attention_mask", "attention_mask":
			inputs[i] = maskTensor
		case "encoder_hidden_states":
			inputs[i] = encoderState.hiddenStates
		case "use_cache_branch":
			branchTensor, branchErr := ort.NewTensor(ort.NewShape(1), []bool{false})
			if branchErr != nil {
				return nil, branchErr
			}
			extraTensors = append(extraTensors, branchTensor)
			inputs[i] = branchTensor
		default:
			return nil, fmt.Errorf("decoder input %s not recognized", name)
		}
	}

	outputs := []ort.Value{nil}
	if err := s.decoder.Run(inputs, outputs); err != nil {
		return nil, err
	}
	defer outputs[0].Destroy()

	logitsTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected decoder output type %T", outputs[0])
	}
	return lastPositionLogits(logitsTensor.GetData(), logitsTensor.GetShape()), nil
}

// lastPositionLogits extracts the logits of the final decoder position for
// every batch row from a (batch, seq, vocab) tensor.
func lastPositionLogits(data []float32, shape ort.Shape) []float32 {
	batchSize := int(shape[0])
	seqLen := int(shape[1])
	vocabSize := int(shape[2])

	last := make([]float32, batchSize*vocabSize)
	for i := 0; i < batchSize; i++ {
		offset := (i*seqLen + seqLen - 1) * vocabSize
		copy(last[i*vocabSize:(i+1)*vocabSize], data[offset:offset+vocabSize])
	}
	return last
}

func newORTInt64Tensor(rows [][]int64) (*ort.Tensor[int64], error) {
	batchSize := len(rows)
	seqLen := 0
	if batchSize > 0 {
		seqLen = len(rows[0])
	}
	flat := make([]int64, 0, batchSize*seqLen)
	for _, row := range rows {
		flat = append(flat, row...)
	}
	return ort.NewTensor(ort.NewShape(int64(batchSize), int64(seqLen)), flat)
}

func (s *ortSeq2SeqSession) destroyState(state any) error {
	if encoderState, ok := state.(*ortEncoderState); ok && encoderState.hiddenStates != nil {
		return encoderState.hiddenStates.Destroy()
	}
	return nil
}

func (s *ortSeq2SeqSession) close() error {
	return errors.Join(
		s.encoder.Destroy(),
		s.decoder.Destroy(),
		s.sessionOptions.Destroy(),
	)
}
