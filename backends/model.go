package backends

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/kelen-ai/nllbserve/util/fileutil"
)

// Model holds the artifacts of a converted NLLB checkpoint directory: the
// encoder and decoder graphs, the shared vocabulary, and the special token
// ids from config.json. It is loaded once at startup and read-only afterwards.
type Model struct {
	Path        string
	EncoderPath string
	DecoderPath string
	Vocab       *Vocabulary

	DecoderStartTokenID   int64
	EosTokenIDs           map[int64]bool
	PadTokenID            int64
	VocabSize             int
	MaxPositionEmbeddings int
}

// rawModelConfig mirrors config.json. Token id fields can be an int, a list
// of ints, or null depending on the export tool.
type rawModelConfig struct {
	ModelType             string `json:"model_type"`
	VocabSize             int    `json:"vocab_size"`
	EosTokenID            any    `json:"eos_token_id"`
	BosTokenID            any    `json:"bos_token_id"`
	PadTokenID            any    `json:"pad_token_id"`
	DecoderStartTokenID   *int64 `json:"decoder_start_token_id"`
	MaxPositionEmbeddings int    `json:"max_position_embeddings"`
	MaxLength             int    `json:"max_length"`
}

// LoadModel reads the checkpoint directory and resolves all artifacts. It
// does not create an inference session; that happens when a translator is
// built from the model.
func LoadModel(path string) (*Model, error) {
	encoderPath, err := findONNXFile(path, []string{"encoder_model.onnx", "encoder.onnx"})
	if err != nil {
		return nil, err
	}
	decoderPath, err := findONNXFile(path, []string{"decoder_model.onnx", "decoder.onnx", "decoder_model_merged.onnx"})
	if err != nil {
		return nil, err
	}
	if encoderPath == "" || decoderPath == "" {
		return nil, fmt.Errorf("checkpoint %s is missing encoder or decoder graph", path)
	}

	config, err := loadModelConfig(path)
	if err != nil {
		return nil, err
	}

	vocab, err := LoadVocabulary(path)
	if err != nil {
		return nil, err
	}

	model := &Model{
		Path:                  path,
		EncoderPath:           encoderPath,
		DecoderPath:           decoderPath,
		Vocab:                 vocab,
		EosTokenIDs:           tokenIDSet(config.EosTokenID),
		PadTokenID:            firstTokenID(config.PadTokenID, 1),
		VocabSize:             config.VocabSize,
		MaxPositionEmbeddings: config.MaxPositionEmbeddings,
	}
	if model.VocabSize == 0 {
		model.VocabSize = vocab.Size()
	}
	if config.DecoderStartTokenID != nil {
		model.DecoderStartTokenID = *config.DecoderStartTokenID
	} else {
		model.DecoderStartTokenID = firstTokenID(config.EosTokenID, 2)
	}
	if len(model.EosTokenIDs) == 0 {
		return nil, fmt.Errorf("config.json in %s defines no eos_token_id", path)
	}
	return model, nil
}

func loadModelConfig(path string) (*rawModelConfig, error) {
	configBytes, err := fileutil.ReadFileBytes(fileutil.PathJoinSafe(path, "config.json"))
	if err != nil {
		return nil, fmt.Errorf("reading config.json: %w", err)
	}
	config := &rawModelConfig{}
	if err := jsoniter.Unmarshal(configBytes, config); err != nil {
		return nil, fmt.Errorf("parsing config.json: %w", err)
	}
	return config, nil
}

func findONNXFile(modelPath string, candidates []string) (string, error) {
	for _, name := range candidates {
		candidate := fileutil.PathJoinSafe(modelPath, name)
		exists, err := fileutil.FileExists(candidate)
		if err != nil {
			return "", fmt.Errorf("checking for %s: %w", candidate, err)
		}
		if exists {
			return candidate, nil
		}
	}
	return "", nil
}

// tokenIDSet normalizes an eos_token_id field that may be a single id or a
// list of ids.
func tokenIDSet(value any) map[int64]bool {
	set := map[int64]bool{}
	switch v := value.(type) {
	case float64:
		set[int64(v)] = true
	case []any:
		for _, entry := range v {
			if f, ok := entry.(float64); ok {
				set[int64(f)] = true
			}
		}
	}
	return set
}

func firstTokenID(value any, fallback int64) int64 {
	switch v := value.(type) {
	case float64:
		return int64(v)
	case []any:
		if len(v) > 0 {
			if f, ok := v[0].(float64); ok {
				return int64(f)
			}
		}
	}
	return fallback
}
