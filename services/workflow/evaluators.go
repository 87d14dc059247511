package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DataSourceEvaluator handles the "data-source" node type. It ignores graph
// inputs and reads the latest snapshot of one source.
type DataSourceEvaluator struct {
	reader  SourceReader
	timeout time.Duration
}

func (e *DataSourceEvaluator) Evaluate(ctx context.Context, cfg any, _ *EvalInput) (*NodeResult, error) {
	c := cfg.(*DataSourceConfig)
	if e.reader == nil {
		return nil, nodeErr(ErrSourceUnavailable, "no source reader configured")
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	snapshot, err := e.reader.Latest(ctx, c.SourceID, c.Fields)
	if err != nil {
		return nil, nodeErr(ErrSourceUnavailable, "source %s: %w", c.SourceID, err)
	}

	out := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		if v, ok := snapshot[f]; ok {
			out[f] = v
		}
	}
	return &NodeResult{Output: out}, nil
}

// FormulaEvaluator handles the "formula" node type. It adds the computed value
// to the upstream record under OutputField.
type FormulaEvaluator struct{}

func (e *FormulaEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*FormulaConfig)
	v, err := evalFormula(c.Formula, in.Inputs)
	if err != nil {
		return nil, err
	}

	decimals := defaultDecimals
	if c.Decimals != nil {
		decimals = *c.Decimals
	}
	field := c.OutputField
	if field == "" {
		field = "value"
	}

	out := cloneMap(in.Inputs)
	out[field] = roundTo(v, decimals)
	if c.Unit != "" {
		out["unit"] = c.Unit
	}
	return &NodeResult{Output: out}, nil
}

// ConditionEvaluator handles the "condition" node type.
type ConditionEvaluator struct{}

func (e *ConditionEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*ConditionConfig)
	return gate(in.Inputs, c.Field, c.Operator, *c.Threshold)
}

// FilterEvaluator handles the "filter" node type. Mechanically identical to a
// condition; it exists as a separate type for the editor.
type FilterEvaluator struct{}

func (e *FilterEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*FilterConfig)
	return gate(in.Inputs, c.Field, c.Operator, *c.Value)
}

func gate(inputs map[string]any, field, operator string, threshold float64) (*NodeResult, error) {
	raw, ok := inputs[field]
	if !ok {
		return nil, nodeErr(ErrMissingField, "field %q not present in inputs", field)
	}
	v, ok := toFloat64(raw)
	if !ok {
		return nil, nodeErr(ErrEvalError, "field %q is not numeric", field)
	}
	passed, err := compare(v, operator, threshold)
	if err != nil {
		return nil, err
	}
	return &NodeResult{Output: cloneMap(inputs), Passed: &passed}, nil
}

func compare(v float64, operator string, threshold float64) (bool, error) {
	switch operator {
	case ">":
		return v > threshold, nil
	case ">=":
		return v >= threshold, nil
	case "<":
		return v < threshold, nil
	case "<=":
		return v <= threshold, nil
	case "==":
		return v == threshold, nil
	case "!=":
		return v != threshold, nil
	default:
		return false, nodeErr(ErrEvalError, "unsupported operator %q", operator)
	}
}

// AggregationEvaluator handles the "aggregation" node type. Every upstream
// field that has a series in the execution snapshot is reduced over the
// trailing window ending at the execution time.
type AggregationEvaluator struct{}

func (e *AggregationEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*AggregationConfig)
	window := time.Duration(c.TimeWindow)
	start := in.Now.Add(-window)

	out := make(map[string]any)
	for _, field := range sortedKeys(in.Inputs) {
		var values []float64
		for _, s := range in.Series[field] {
			if s.At.Before(start) || s.At.After(in.Now) {
				continue
			}
			values = append(values, s.Value)
		}
		if len(values) == 0 {
			continue
		}
		out[field] = reduce(c.Operation, values)
	}
	if len(out) == 0 {
		return nil, nodeErr(ErrEmptyWindow, "no samples in the last %s", window)
	}
	return &NodeResult{Output: out}, nil
}

func reduce(op string, values []float64) float64 {
	switch op {
	case "count":
		return float64(len(values))
	case "min":
		m := values[0]
		for _, v := range values[1:] {
			if v < m {
				m = v
			}
		}
		return m
	case "max":
		m := values[0]
		for _, v := range values[1:] {
			if v > m {
				m = v
			}
		}
		return m
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	if op == "avg" {
		return sum / float64(len(values))
	}
	return sum
}

// TransformEvaluator handles the "transform" node type.
type TransformEvaluator struct{}

func (e *TransformEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*TransformConfig)
	switch c.TransformType {
	case "select":
		out := make(map[string]any, len(c.Fields))
		for _, f := range c.Fields {
			if v, ok := in.Inputs[f]; ok {
				out[f] = cloneValue(v)
			}
		}
		return &NodeResult{Output: out}, nil

	case "rename":
		out := make(map[string]any, len(in.Inputs))
		for k, v := range in.Inputs {
			if _, renamed := c.Mapping[k]; !renamed {
				out[k] = cloneValue(v)
			}
		}
		for _, from := range sortedStringKeys(c.Mapping) {
			if v, ok := in.Inputs[from]; ok {
				out[c.Mapping[from]] = cloneValue(v)
			}
		}
		return &NodeResult{Output: out}, nil

	case "convert":
		out := cloneMap(in.Inputs)
		fields := c.Fields
		if len(fields) == 0 {
			fields = sortedKeys(in.Inputs)
		}
		for _, f := range fields {
			v, ok := in.Inputs[f]
			if !ok {
				continue
			}
			n, err := coerceNumber(v)
			if err != nil {
				return nil, nodeErr(ErrEvalError, "convert %q: %v", f, err)
			}
			out[f] = n
		}
		return &NodeResult{Output: out}, nil
	}
	return nil, nodeErr(ErrEvalError, "unsupported transform %q", c.TransformType)
}

// AlertEvaluator handles the "alert" node type.
type AlertEvaluator struct{}

var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.\-]+)\s*\}\}`)

func (e *AlertEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*AlertConfig)
	value, ok := alertValue(in.Inputs)
	if !ok {
		return nil, nodeErr(ErrMissingField, "alert has no upstream value")
	}

	message := placeholderPattern.ReplaceAllStringFunc(c.Message, func(m string) string {
		name := placeholderPattern.FindStringSubmatch(m)[1]
		switch name {
		case "value":
			return formatValue(value)
		case "severity":
			return c.Severity
		}
		if v, ok := in.Inputs[name]; ok {
			return formatValue(v)
		}
		return m
	})

	return &NodeResult{Output: map[string]any{
		"message":  message,
		"severity": c.Severity,
		"value":    value,
	}}, nil
}

// alertValue picks the upstream "value" field, falling back to the first field
// in key order.
func alertValue(inputs map[string]any) (any, bool) {
	if v, ok := inputs["value"]; ok {
		return v, true
	}
	keys := sortedKeys(inputs)
	if len(keys) == 0 {
		return nil, false
	}
	return inputs[keys[0]], true
}

// OutputEvaluator handles the "output" node type. It passes through the named fields.
type OutputEvaluator struct{}

func (e *OutputEvaluator) Evaluate(_ context.Context, cfg any, in *EvalInput) (*NodeResult, error) {
	c := cfg.(*OutputConfig)
	out := make(map[string]any, len(c.OutputFields))
	for _, f := range c.OutputFields {
		if v, ok := in.Inputs[f]; ok {
			out[f] = cloneValue(v)
		}
	}
	return &NodeResult{Output: out}, nil
}

// toFloat64 converts an any value to float64, handling json.Number and numeric types.
func toFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func coerceNumber(v any) (float64, error) {
	if f, ok := toFloat64(v); ok {
		return f, nil
	}
	switch t := v.(type) {
	case bool:
		if t {
			return 1, nil
		}
		return 0, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, fmt.Errorf("%q is not a number", t)
		}
		return f, nil
	case nil:
		return 0, fmt.Errorf("value is null")
	}
	return 0, fmt.Errorf("unsupported type %T", v)
}

func formatValue(v any) string {
	if f, ok := toFloat64(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedStringKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
