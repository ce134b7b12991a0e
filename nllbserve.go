// Package nllbserve loads NLLB translation checkpoints and serves them
// over the open inference protocol. A Session owns the runtime options and
// the pipelines created from it, so everything can be torn down at once
// with Destroy.
package nllbserve

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/phuslu/log"

	"github.com/kelen-ai/nllbserve/backends"
	"github.com/kelen-ai/nllbserve/options"
	"github.com/kelen-ai/nllbserve/pipelines"
)

// Session holds the translation pipelines created from it. The inference
// backend is selected at build time, the default build runs models on a
// pure go runtime and the ORT build tag switches to onnxruntime.
type Session struct {
	mu        sync.RWMutex
	pipelines map[string]*pipelines.TranslationPipeline
	models    map[string]*backends.Model
	options   *options.Options
}

// NewSession creates a session with the given runtime options.
func NewSession(opts ...options.WithOption) (*Session, error) {
	parsedOptions := options.Defaults()
	for _, option := range opts {
		if err := option(parsedOptions); err != nil {
			return nil, err
		}
	}

	return &Session{
		pipelines: map[string]*pipelines.TranslationPipeline{},
		models:    map[string]*backends.Model{},
		options:   parsedOptions,
	}, nil
}

// NewTranslationPipeline loads the model at path and creates a named
// translation pipeline over it. The pipeline is stored in the session so
// that session.Destroy releases it.
func (s *Session) NewTranslationPipeline(path string, config pipelines.TranslationConfig) (*pipelines.TranslationPipeline, error) {
	if config.Name == "" {
		return nil, errors.New("a name for the pipeline is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.pipelines[config.Name]; ok {
		log.Warn().Str("pipeline", config.Name).Msg("pipeline already exists, returning existing pipeline")
		return existing, nil
	}

	model, ok := s.models[path]
	if !ok {
		loaded, err := backends.LoadModel(path)
		if err != nil {
			return nil, fmt.Errorf("loading model from %s: %w", path, err)
		}
		s.models[path] = loaded
		model = loaded
	}

	sourceTokenizer, targetTokenizer, err := backends.LoadTokenizers(path)
	if err != nil {
		return nil, fmt.Errorf("loading tokenizers from %s: %w", path, err)
	}

	translator, err := backends.NewTranslator(model, s.options)
	if err != nil {
		closeErr := errors.Join(sourceTokenizer.Close(), closeIfDistinct(targetTokenizer, sourceTokenizer))
		return nil, errors.Join(fmt.Errorf("creating translator: %w", err), closeErr)
	}

	pipeline, err := pipelines.NewTranslationPipeline(config, model, translator, sourceTokenizer, targetTokenizer)
	if err != nil {
		closeErr := errors.Join(translator.Close(), sourceTokenizer.Close(), closeIfDistinct(targetTokenizer, sourceTokenizer))
		return nil, errors.Join(err, closeErr)
	}

	s.pipelines[config.Name] = pipeline
	return pipeline, nil
}

func closeIfDistinct(tokenizer, other backends.Tokenizer) error {
	if tokenizer == nil || tokenizer == other {
		return nil
	}
	return tokenizer.Close()
}

// GetPipeline returns a previously created pipeline by name.
func (s *Session) GetPipeline(name string) (*pipelines.TranslationPipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pipeline, ok := s.pipelines[name]
	if !ok {
		return nil, fmt.Errorf("pipeline named %s does not exist", name)
	}
	return pipeline, nil
}

// GetStats returns runtime statistics for all pipelines in the session.
func (s *Session) GetStats() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var stats []string
	for _, pipeline := range s.pipelines {
		stats = append(stats, pipeline.GetStats()...)
	}
	return stats
}

// Destroy releases all pipelines and the backend environment. Call this
// when the session is no longer needed.
func (s *Session) Destroy() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for name, pipeline := range s.pipelines {
		errs = append(errs, pipeline.Destroy())
		delete(s.pipelines, name)
	}
	s.models = map[string]*backends.Model{}
	if s.options != nil {
		errs = append(errs, s.options.Destroy())
	}
	return errors.Join(errs...)
}

// ServedModel adapts a translation pipeline to the inference server. It
// starts out not ready and flips ready once Load succeeds. A failed load
// keeps the model registered but not ready, so the server answers 503 on
// that model instead of disappearing.
type ServedModel struct {
	name     string
	ready    atomic.Bool
	mu       sync.RWMutex
	pipeline *pipelines.TranslationPipeline
}

// NewServedModel creates a served model shell with the given registry
// name.
func NewServedModel(name string) *ServedModel {
	return &ServedModel{name: name}
}

// Load creates the model's pipeline from a checkpoint directory and marks
// the model ready on success.
func (m *ServedModel) Load(session *Session, path string, opts ...pipelines.TranslationOption) error {
	pipeline, err := session.NewTranslationPipeline(path, pipelines.TranslationConfig{
		Name:    m.name,
		Options: opts,
	})
	if err != nil {
		return fmt.Errorf("loading model %s: %w", m.name, err)
	}

	m.mu.Lock()
	m.pipeline = pipeline
	m.mu.Unlock()
	m.ready.Store(true)
	return nil
}

// Name returns the registry name of the model.
func (m *ServedModel) Name() string {
	return m.name
}

// Ready reports whether the model finished loading.
func (m *ServedModel) Ready() bool {
	return m.ready.Load()
}

// Translate runs one text through the pipeline.
func (m *ServedModel) Translate(ctx context.Context, text string) (string, error) {
	m.mu.RLock()
	pipeline := m.pipeline
	m.mu.RUnlock()
	if pipeline == nil {
		return "", fmt.Errorf("model %s has no pipeline loaded", m.name)
	}

	output, err := pipeline.Run(ctx, []string{text})
	if err != nil {
		return "", err
	}
	if len(output.Translations) != 1 {
		return "", fmt.Errorf("expected one translation, got %d", len(output.Translations))
	}
	return output.Translations[0], nil
}
