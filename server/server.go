package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/phuslu/log"
)

// protocolVersion is reported by the server metadata endpoint.
const protocolVersion = "2"

// Model is a servable translation model. Ready reports whether the
// underlying artifacts finished loading. Translate runs one inference.
type Model interface {
	Name() string
	Ready() bool
	Translate(ctx context.Context, text string) (string, error)
}

// Server routes open inference protocol requests to registered models.
type Server struct {
	name    string
	version string

	mu     sync.RWMutex
	models map[string]Model

	httpServer *http.Server
}

// New creates an empty model server.
func New(name, version string) *Server {
	return &Server{
		name:    name,
		version: version,
		models:  map[string]Model{},
	}
}

// RegisterModel adds a model to the registry. Registering the same name
// again replaces the previous entry, repeated registration of one model is
// not an error.
func (s *Server) RegisterModel(model Model) {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := model.Name()
	if _, exists := s.models[name]; exists {
		log.Warn().Str("model", name).Msg("model already registered, replacing")
	}
	s.models[name] = model
}

// Model looks up a registered model by name.
func (s *Server) Model(name string) (Model, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.models[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	return model, nil
}

// Ready reports whether every registered model is ready.
func (s *Server) Ready() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.models) == 0 {
		return false
	}
	for _, model := range s.models {
		if !model.Ready() {
			return false
		}
	}
	return true
}

// Handler builds the protocol route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2", s.handleServerMetadata)
	mux.HandleFunc("GET /v2/health/live", s.handleLive)
	mux.HandleFunc("GET /v2/health/ready", s.handleReady)
	mux.HandleFunc("GET /v2/models/{name}", s.handleModelMetadata)
	mux.HandleFunc("GET /v2/models/{name}/ready", s.handleModelReady)
	mux.HandleFunc("POST /v2/models/{name}/infer", s.handleInfer)
	return mux
}

// ListenAndServe serves until the context is cancelled, then drains with a
// shutdown grace period.
func (s *Server) ListenAndServe(ctx context.Context, address string) error {
	s.httpServer = &http.Server{
		Addr:              address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		log.Info().Str("address", address).Msg("inference server listening")
		errs <- s.httpServer.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleServerMetadata(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServerMetadata{
		Name:    s.name,
		Version: s.version,
	})
}

func (s *Server) handleLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, ServerReady{Live: true})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := s.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ServerReady{Ready: ready})
}

func (s *Server) handleModelMetadata(w http.ResponseWriter, r *http.Request) {
	model, err := s.Model(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ModelMetadata{
		Name:     model.Name(),
		Platform: "seq2seq-translation",
		Inputs: []TensorMetadata{
			{Name: "input-0", Datatype: DatatypeString, Shape: []int64{1}},
		},
		Outputs: []TensorMetadata{
			{Name: "output-0", Datatype: DatatypeString, Shape: []int64{1}},
		},
	})
}

func (s *Server) handleModelReady(w http.ResponseWriter, r *http.Request) {
	model, err := s.Model(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	ready := model.Ready()
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, ModelReady{Name: model.Name(), Ready: ready})
}

func (s *Server) handleInfer(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	model, err := s.Model(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	if !model.Ready() {
		writeError(w, fmt.Errorf("%w: %s", ErrModelNotReady, model.Name()))
		return
	}

	var request InferRequest
	if err := jsoniter.NewDecoder(r.Body).Decode(&request); err != nil {
		writeError(w, fmt.Errorf("%w: decoding request body: %s", ErrInvalidInput, err))
		return
	}

	text, err := request.FirstInputText()
	if err != nil {
		writeError(w, err)
		return
	}

	translation, err := model.Translate(r.Context(), text)
	if err != nil {
		log.Error().Err(err).Str("model", model.Name()).Msg("inference failed")
		writeError(w, fmt.Errorf("inference failed: %w", err))
		return
	}

	responseID := request.ID
	if responseID == "" {
		responseID = uuid.NewString()
	}

	log.Debug().
		Str("model", model.Name()).
		Dur("duration", time.Since(start)).
		Msg("inference request served")

	writeJSON(w, http.StatusOK, InferResponse{
		ID:        responseID,
		ModelName: model.Name(),
		Outputs:   []InferTensor{NewStringOutput(translation)},
	})
}

// statusFor maps request failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrModelNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrModelNotReady):
		return http.StatusServiceUnavailable
	case errors.Is(err, ErrEmptyInput), errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoniter.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("encoding response")
	}
}
