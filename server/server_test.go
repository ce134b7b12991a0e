package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	jsoniter "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
)

type fakeModel struct {
	name  string
	ready bool
	err   error
}

func (m *fakeModel) Name() string { return m.name }
func (m *fakeModel) Ready() bool  { return m.ready }

func (m *fakeModel) Translate(_ context.Context, text string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	if text == "Hello" {
		return "Bonjour", nil
	}
	return "traduction de " + text, nil
}

func newTestServer(models ...Model) *Server {
	s := New("nllbserve", "test")
	for _, model := range models {
		s.RegisterModel(model)
	}
	return s
}

func doInfer(t *testing.T, handler http.Handler, model, body string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodPost, "/v2/models/"+model+"/infer", strings.NewReader(body))
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeInferResponse(t *testing.T, recorder *httptest.ResponseRecorder) InferResponse {
	t.Helper()
	var response InferResponse
	assert.NoError(t, jsoniter.Unmarshal(recorder.Body.Bytes(), &response))
	return response
}

func TestHealthLive(t *testing.T) {
	handler := newTestServer().Handler()
	request := httptest.NewRequest(http.MethodGet, "/v2/health/live", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestHealthReadyNoModels(t *testing.T) {
	handler := newTestServer().Handler()
	request := httptest.NewRequest(http.MethodGet, "/v2/health/ready", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
}

func TestHealthReadyTracksModelState(t *testing.T) {
	model := &fakeModel{name: "model"}
	handler := newTestServer(model).Handler()

	request := httptest.NewRequest(http.MethodGet, "/v2/health/ready", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	model.ready = true
	recorder = httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)
}

func TestModelReadyEndpoint(t *testing.T) {
	model := &fakeModel{name: "model", ready: true}
	handler := newTestServer(model).Handler()

	request := httptest.NewRequest(http.MethodGet, "/v2/models/model/ready", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var ready ModelReady
	assert.NoError(t, jsoniter.Unmarshal(recorder.Body.Bytes(), &ready))
	assert.Equal(t, "model", ready.Name)
	assert.True(t, ready.Ready)
}

func TestModelMetadata(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()

	request := httptest.NewRequest(http.MethodGet, "/v2/models/model", nil)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	assert.Equal(t, http.StatusOK, recorder.Code)

	var metadata ModelMetadata
	assert.NoError(t, jsoniter.Unmarshal(recorder.Body.Bytes(), &metadata))
	assert.Equal(t, "model", metadata.Name)
	assert.Len(t, metadata.Outputs, 1)
	assert.Equal(t, DatatypeString, metadata.Outputs[0].Datatype)
}

func TestInferUnknownModel(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "missing", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
	assert.Equal(t, http.StatusNotFound, recorder.Code)
}

func TestInferModelNotReady(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model"}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)

	var errorResponse ErrorResponse
	assert.NoError(t, jsoniter.Unmarshal(recorder.Body.Bytes(), &errorResponse))
	assert.Contains(t, errorResponse.Error, "not ready")
}

func TestInferEmptyInputs(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()

	for _, body := range []string{
		`{"inputs":[]}`,
		`{"inputs":[{"name":"input-0","shape":[0],"datatype":"STR","data":[]}]}`,
	} {
		recorder := doInfer(t, handler, "model", body)
		assert.Equal(t, http.StatusBadRequest, recorder.Code, body)
	}
}

func TestInferMalformedBody(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestInferNonStringData(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":[42]}]}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestInferUnsupportedDatatype(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"FP32","data":["Hello"]}]}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
}

func TestInferResponseShape(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
	assert.Equal(t, http.StatusOK, recorder.Code)

	response := decodeInferResponse(t, recorder)
	assert.Equal(t, "model", response.ModelName)
	assert.Len(t, response.Outputs, 1)
	output := response.Outputs[0]
	assert.Equal(t, "output-0", output.Name)
	assert.Equal(t, DatatypeString, output.Datatype)
	assert.Equal(t, []int64{1}, output.Shape)
	assert.Equal(t, []any{"Bonjour"}, output.Data)
}

func TestInferResponseIDsAreUnique(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()

	seen := map[string]bool{}
	for i := 0; i < 10; i++ {
		recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
		response := decodeInferResponse(t, recorder)
		assert.NotEmpty(t, response.ID)
		assert.False(t, seen[response.ID], "duplicate response id %s", response.ID)
		seen[response.ID] = true
	}
}

func TestInferEchoesRequestID(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true}).Handler()
	recorder := doInfer(t, handler, "model", `{"id":"request-42","inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
	response := decodeInferResponse(t, recorder)
	assert.Equal(t, "request-42", response.ID)
}

func TestInferModelFailure(t *testing.T) {
	handler := newTestServer(&fakeModel{name: "model", ready: true, err: errors.New("decoder exploded")}).Handler()
	recorder := doInfer(t, handler, "model", `{"inputs":[{"name":"input-0","shape":[1],"datatype":"STR","data":["Hello"]}]}`)
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)

	var errorResponse ErrorResponse
	assert.NoError(t, jsoniter.Unmarshal(recorder.Body.Bytes(), &errorResponse))
	assert.Contains(t, errorResponse.Error, "decoder exploded")
}

func TestRegisterModelTwice(t *testing.T) {
	s := newTestServer()
	first := &fakeModel{name: "model"}
	second := &fakeModel{name: "model", ready: true}

	assert.NotPanics(t, func() {
		s.RegisterModel(first)
		s.RegisterModel(second)
	})

	model, err := s.Model("model")
	assert.NoError(t, err)
	assert.True(t, model.Ready())
}
