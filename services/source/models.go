package source

import (
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("source not found")
	ErrUnavailable = errors.New("source unavailable")
)

// Type is the transport a source is read over.
type Type string

const (
	TypeMQTT   Type = "mqtt"
	TypeModbus Type = "modbus"
	TypeRS485  Type = "rs485"
	TypeAPI    Type = "api"
)

// Source is a device or endpoint that produces readings.
type Source struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      Type           `json:"type"`
	Fields    []string       `json:"fields"`
	Config    map[string]any `json:"config"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

// Reading is one timestamped record produced by a source.
type Reading struct {
	SourceID   string         `json:"sourceId"`
	RecordedAt time.Time      `json:"recordedAt"`
	Data       map[string]any `json:"data"`
}

// CreateRequest is the body of POST /sources/create.
type CreateRequest struct {
	Name   string         `json:"name" validate:"required,max=200"`
	Type   Type           `json:"type" validate:"required,oneof=mqtt modbus rs485 api"`
	Fields []string       `json:"fields" validate:"omitempty,unique,dive,required"`
	Config map[string]any `json:"config"`
}

// UpdateRequest is the body of PATCH /sources/update/{id}. Absent fields are
// left unchanged.
type UpdateRequest struct {
	Name   *string        `json:"name" validate:"omitempty,min=1,max=200"`
	Type   *Type          `json:"type" validate:"omitempty,oneof=mqtt modbus rs485 api"`
	Fields []string       `json:"fields" validate:"omitempty,unique,dive,required"`
	Config map[string]any `json:"config"`
}

// IngestRequest is the body of POST /sources/readings/{sourceId}.
type IngestRequest struct {
	RecordedAt *time.Time     `json:"recordedAt"`
	Data       map[string]any `json:"data" validate:"required,min=1"`
}

// TestAPIRequest is the body of POST /sources/test-api.
type TestAPIRequest struct {
	URL     string            `json:"url" validate:"required,http_url"`
	Method  string            `json:"method" validate:"omitempty,oneof=GET POST PUT PATCH DELETE HEAD"`
	Headers map[string]string `json:"headers"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// TestAPIResponse reports the outcome of a test-api probe.
type TestAPIResponse struct {
	OK         bool   `json:"ok"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs"`
	Body       any    `json:"body,omitempty"`
	Truncated  bool   `json:"truncated,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (s *Source) clone() *Source {
	out := *s
	out.Fields = append([]string(nil), s.Fields...)
	out.Config = cloneData(s.Config)
	return &out
}

func cloneData(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
