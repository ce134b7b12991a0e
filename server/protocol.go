// Package server exposes translation models over the open inference
// protocol v2 REST surface.
package server

import (
	"errors"
	"fmt"
)

// Datatype names used on the wire. Text models only exchange BYTES/STR
// tensors, the rest exist for metadata reporting.
const (
	DatatypeString = "STR"
	DatatypeBytes  = "BYTES"
)

// Typed request failures. The HTTP layer maps these onto status codes.
var (
	ErrModelNotFound = errors.New("model not found")
	ErrModelNotReady = errors.New("model is not ready")
	ErrEmptyInput    = errors.New("request contains no input data")
	ErrInvalidInput  = errors.New("invalid input tensor")
)

// InferTensor is a single named tensor in an inference request or
// response.
type InferTensor struct {
	Name       string         `json:"name"`
	Shape      []int64        `json:"shape"`
	Datatype   string         `json:"datatype"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Data       []any          `json:"data"`
}

// InferRequest is the body of POST /v2/models/{name}/infer.
type InferRequest struct {
	ID         string         `json:"id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Inputs     []InferTensor  `json:"inputs"`
	Outputs    []InferTensor  `json:"outputs,omitempty"`
}

// InferResponse is the body returned from an inference call.
type InferResponse struct {
	ID           string         `json:"id"`
	ModelName    string         `json:"model_name"`
	ModelVersion string         `json:"model_version,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Outputs      []InferTensor  `json:"outputs"`
}

// TensorMetadata describes one model input or output in the metadata
// endpoint.
type TensorMetadata struct {
	Name     string  `json:"name"`
	Datatype string  `json:"datatype"`
	Shape    []int64 `json:"shape"`
}

// ModelMetadata is the body of GET /v2/models/{name}.
type ModelMetadata struct {
	Name     string           `json:"name"`
	Versions []string         `json:"versions,omitempty"`
	Platform string           `json:"platform"`
	Inputs   []TensorMetadata `json:"inputs"`
	Outputs  []TensorMetadata `json:"outputs"`
}

// ModelReady is the body of GET /v2/models/{name}/ready.
type ModelReady struct {
	Name  string `json:"name"`
	Ready bool   `json:"ready"`
}

// ServerReady is the body of the health endpoints.
type ServerReady struct {
	Live  bool `json:"live,omitempty"`
	Ready bool `json:"ready,omitempty"`
}

// ServerMetadata is the body of GET /v2.
type ServerMetadata struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Extensions []string `json:"extensions,omitempty"`
}

// ErrorResponse carries a request failure back to the caller.
type ErrorResponse struct {
	Error string `json:"error"`
}

// FirstInputText extracts the text to translate: the first element of the
// request's first input tensor. String tensors are the only accepted
// payload.
func (r *InferRequest) FirstInputText() (string, error) {
	if len(r.Inputs) == 0 || len(r.Inputs[0].Data) == 0 {
		return "", ErrEmptyInput
	}
	input := r.Inputs[0]
	switch input.Datatype {
	case DatatypeString, DatatypeBytes, "":
	default:
		return "", fmt.Errorf("%w: unsupported datatype %q", ErrInvalidInput, input.Datatype)
	}
	text, ok := input.Data[0].(string)
	if !ok {
		return "", fmt.Errorf("%w: %q holds %T, expected string data", ErrInvalidInput, input.Name, input.Data[0])
	}
	return text, nil
}

// NewStringOutput wraps one translated string in the response tensor
// convention.
func NewStringOutput(text string) InferTensor {
	return InferTensor{
		Name:     "output-0",
		Shape:    []int64{1},
		Datatype: DatatypeString,
		Data:     []any{text},
	}
}
