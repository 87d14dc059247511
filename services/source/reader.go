package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/sony/gobreaker"

	"dashflow/api/pkg/metrics"
	"dashflow/api/services/workflow"
)

// Reader gives the workflow engine read access to source readings. Every
// failure, including an open breaker, is reported as ErrUnavailable.
type Reader struct {
	repo    Repo
	timeout time.Duration
	breaker *gobreaker.CircuitBreaker
	metrics *metrics.Collector
}

var _ workflow.SourceReader = (*Reader)(nil)

// NewReader wraps repo. Reads are cut off after timeout, and the breaker opens
// after failures consecutive storage errors.
func NewReader(repo Repo, timeout time.Duration, failures uint32, m *metrics.Collector) *Reader {
	if timeout <= 0 {
		timeout = workflow.DefaultReadTimeout
	}
	if failures == 0 {
		failures = 5
	}
	return &Reader{
		repo:    repo,
		timeout: timeout,
		metrics: m,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "source-reader",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
			// A missing source says nothing about the health of storage.
			IsSuccessful: func(err error) bool {
				return err == nil || errors.Is(err, ErrNotFound)
			},
		}),
	}
}

func (r *Reader) call(ctx context.Context, kind string, fn func(ctx context.Context) (any, error)) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	out, err := r.breaker.Execute(func() (any, error) { return fn(ctx) })
	r.metrics.ObserveSourceRead(kind, err)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return out, nil
}

// Latest returns the newest reading of sourceID projected onto fields.
func (r *Reader) Latest(ctx context.Context, sourceID string, fields []string) (map[string]any, error) {
	out, err := r.call(ctx, "latest", func(ctx context.Context) (any, error) {
		return r.repo.LatestReading(ctx, sourceID)
	})
	if err != nil {
		return nil, err
	}
	reading := out.(*Reading)
	return project(reading.Data, fields), nil
}

// History returns the numeric samples of fields recorded since the given time.
// Non-numeric values are skipped.
func (r *Reader) History(ctx context.Context, sourceID string, fields []string, since time.Time) (map[string][]workflow.Sample, error) {
	out, err := r.call(ctx, "history", func(ctx context.Context) (any, error) {
		return r.repo.Readings(ctx, sourceID, since)
	})
	if err != nil {
		return nil, err
	}
	readings := out.([]Reading)

	series := make(map[string][]workflow.Sample, len(fields))
	for _, rd := range readings {
		for _, f := range fields {
			v, ok := number(rd.Data[f])
			if !ok {
				continue
			}
			series[f] = append(series[f], workflow.Sample{At: rd.RecordedAt, Value: v})
		}
	}
	return series, nil
}

func project(data map[string]any, fields []string) map[string]any {
	if len(fields) == 0 {
		return cloneData(data)
	}
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := data[f]; ok {
			out[f] = v
		}
	}
	return out
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
