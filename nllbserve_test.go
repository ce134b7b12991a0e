package nllbserve

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kelen-ai/nllbserve/pipelines"
)

func TestNewSessionDefaults(t *testing.T) {
	session, err := NewSession()
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = session.GetPipeline("missing")
	assert.ErrorContains(t, err, "does not exist")
	assert.Empty(t, session.GetStats())
}

func TestNewTranslationPipelineRequiresName(t *testing.T) {
	session, err := NewSession()
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = session.NewTranslationPipeline("some/path", pipelines.TranslationConfig{})
	assert.ErrorContains(t, err, "name for the pipeline is required")
}

func TestNewTranslationPipelineMissingModel(t *testing.T) {
	session, err := NewSession()
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	_, err = session.NewTranslationPipeline(t.TempDir(), pipelines.TranslationConfig{Name: "missing-model"})
	assert.Error(t, err)
}

func TestServedModelStartsNotReady(t *testing.T) {
	model := NewServedModel("model")
	assert.Equal(t, "model", model.Name())
	assert.False(t, model.Ready())

	_, err := model.Translate(context.Background(), "Hello")
	assert.ErrorContains(t, err, "no pipeline loaded")
}

func TestServedModelLoadFailureStaysNotReady(t *testing.T) {
	session, err := NewSession()
	assert.NoError(t, err)
	defer func() {
		assert.NoError(t, session.Destroy())
	}()

	model := NewServedModel("model")
	err = model.Load(session, t.TempDir())
	assert.Error(t, err)
	assert.False(t, model.Ready())
}
