package source

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// maxProbeBody caps how much of a probed response is returned to the caller.
const maxProbeBody = 4 << 10

// APIProber performs one-off requests against HTTP endpoints so users can
// check an "api" source before saving it.
type APIProber interface {
	Probe(ctx context.Context, req TestAPIRequest) (*TestAPIResponse, error)
}

// HTTPProber calls endpoints with a bounded timeout behind a circuit breaker.
type HTTPProber struct {
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
}

// NewHTTPProber returns a prober whose requests time out after timeout.
func NewHTTPProber(timeout time.Duration) *HTTPProber {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		httpClient: &http.Client{Timeout: timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "source-test-api",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= 5 && float64(counts.TotalFailures)/float64(counts.Requests) >= 0.8
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Probe performs req. Transport failures are reported in the response rather
// than as an error; the error return is reserved for malformed requests.
func (p *HTTPProber) Probe(ctx context.Context, req TestAPIRequest) (*TestAPIResponse, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if body != nil && httpReq.Header.Get("Content-Type") == "" {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	out, err := p.breaker.Execute(func() (any, error) {
		resp, err := p.httpClient.Do(httpReq)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, maxProbeBody+1))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		result := &TestAPIResponse{
			OK:         resp.StatusCode >= 200 && resp.StatusCode < 300,
			StatusCode: resp.StatusCode,
		}
		if len(raw) > maxProbeBody {
			raw = raw[:maxProbeBody]
			result.Truncated = true
		}
		result.Body = decodeBody(raw)
		if resp.StatusCode >= http.StatusInternalServerError {
			return result, fmt.Errorf("endpoint returned status %d", resp.StatusCode)
		}
		return result, nil
	})
	elapsed := time.Since(start).Milliseconds()

	if result, ok := out.(*TestAPIResponse); ok && result != nil {
		result.DurationMs = elapsed
		return result, nil
	}
	return &TestAPIResponse{OK: false, DurationMs: elapsed, Error: err.Error()}, nil
}

// decodeBody returns parsed JSON when raw is valid JSON and the text otherwise.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
