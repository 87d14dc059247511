package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config structs carry two tag sets. `shape` is checked on every config update
// and rejects present values of the wrong kind; `validate` is the required-field
// predicate that decides whether the node is configured.
var (
	shapeValidator    = newValidator("shape")
	requiredValidator = newValidator("validate")
)

func newValidator(tag string) *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName(tag)
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// DataSourceConfig selects fields of one source's latest reading.
type DataSourceConfig struct {
	SourceID string   `json:"sourceId" validate:"required"`
	Fields   []string `json:"fields" validate:"required,min=1,dive,required"`
}

// FormulaConfig computes an arithmetic expression over upstream field names.
type FormulaConfig struct {
	Formula     string `json:"formula" validate:"required"`
	Unit        string `json:"unit"`
	Decimals    *int   `json:"decimals" shape:"omitempty,min=0,max=15"`
	OutputField string `json:"outputField"`
}

// ConditionConfig compares one field against a threshold.
type ConditionConfig struct {
	Field     string   `json:"field" validate:"required"`
	Operator  string   `json:"operator" shape:"omitempty,oneof=> >= < <= == !=" validate:"required"`
	Threshold *float64 `json:"threshold" validate:"required"`
}

// AggregationConfig reduces the samples inside a trailing time window.
type AggregationConfig struct {
	Operation  string   `json:"operation" shape:"omitempty,oneof=avg sum min max count" validate:"required"`
	TimeWindow Duration `json:"timeWindow" shape:"min=0" validate:"required,gt=0"`
}

// FilterConfig gates downstream propagation on a comparison.
type FilterConfig struct {
	Field    string   `json:"field" validate:"required"`
	Operator string   `json:"operator" shape:"omitempty,oneof=> >= < <= == !=" validate:"required"`
	Value    *float64 `json:"value" validate:"required"`
}

// TransformConfig reshapes the upstream record.
type TransformConfig struct {
	TransformType string            `json:"transformType" shape:"omitempty,oneof=select rename convert" validate:"required"`
	Fields        []string          `json:"fields" validate:"required_if=TransformType select"`
	Mapping       map[string]string `json:"mapping" validate:"required_if=TransformType rename"`
}

// AlertConfig renders a message from the upstream value.
type AlertConfig struct {
	Severity string `json:"severity" shape:"omitempty,oneof=info warning critical" validate:"required"`
	Message  string `json:"message" validate:"required"`
}

// OutputConfig names the fields reported as the workflow result.
type OutputConfig struct {
	OutputFields []string `json:"outputFields" validate:"required,min=1,dive,required"`
}

// Duration accepts a Go duration string ("5m") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case nil:
		*d = 0
	case float64:
		*d = Duration(time.Duration(v * float64(time.Second)))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("timeWindow: %w", err)
		}
		*d = Duration(parsed)
	default:
		return fmt.Errorf("timeWindow must be a duration string or seconds")
	}
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// decodeConfig maps a raw config onto the variant struct for nodeType. Unknown
// keys are ignored; a present key with the wrong type fails with ErrInvalidConfig.
func decodeConfig(nodeType NodeType, raw map[string]any) (any, error) {
	spec, ok := nodeSpecs[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNodeType, nodeType)
	}
	target := spec.NewConfig()
	if len(raw) > 0 {
		b, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if err := json.Unmarshal(b, target); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, describeDecodeError(err))
		}
	}
	if err := shapeValidator.Struct(target); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidConfig, formatValidationError(err))
	}
	return target, nil
}

// missingFields returns the required-field violations of a decoded config.
func missingFields(cfg any) []string {
	err := requiredValidator.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return []string{err.Error()}
	}
	out := make([]string, 0, len(verrs))
	for _, e := range verrs {
		out = append(out, e.Field())
	}
	return out
}

func describeDecodeError(err error) string {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return fmt.Sprintf("%s must be %s, got %s", typeErr.Field, typeErr.Type, typeErr.Value)
	}
	return err.Error()
}

func formatValidationError(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, e := range verrs {
		switch e.Tag() {
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of: %s", e.Field(), e.Param()))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must be at least %s", e.Field(), e.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s must be at most %s", e.Field(), e.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s is invalid", e.Field()))
		}
	}
	return strings.Join(msgs, "; ")
}
