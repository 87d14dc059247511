// Package source manages the data sources that feed workflows: their
// definitions, the readings they report, and read access for the engine.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"dashflow/api/pkg/events"
)

// Service serves the /sources routes.
type Service struct {
	repo     Repo
	prober   APIProber
	validate *validator.Validate
}

// NewService creates a Service over repo. prober may be nil, in which case
// test-api requests are answered with an unavailable error.
func NewService(repo Repo, prober APIProber) *Service {
	return &Service{repo: repo, prober: prober, validate: newValidator()}
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Subscriber delivers inbound broker messages.
type Subscriber interface {
	Subscribe(subject string, h events.Handler) (func() error, error)
}

// ListenForReadings stores readings published on source.<id>.reading. The
// returned func stops listening.
func (s *Service) ListenForReadings(sub Subscriber) (func() error, error) {
	return sub.Subscribe("source.*.reading", func(subject string, data []byte) {
		parts := strings.Split(subject, ".")
		if len(parts) != 3 {
			return
		}
		var req IngestRequest
		if err := json.Unmarshal(data, &req); err != nil {
			slog.Warn("Dropping malformed reading", "subject", subject, "error", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := s.Ingest(ctx, parts[1], req); err != nil {
			slog.Warn("Failed to store reading", "sourceId", parts[1], "error", err)
		}
	})
}

// Create validates req and stores a new source.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*Source, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	now := time.Now().UTC()
	src := &Source{
		ID:        uuid.New().String(),
		Name:      req.Name,
		Type:      req.Type,
		Fields:    req.Fields,
		Config:    req.Config,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if src.Fields == nil {
		src.Fields = []string{}
	}
	if src.Config == nil {
		src.Config = map[string]any{}
	}
	if err := s.repo.Create(ctx, src); err != nil {
		return nil, err
	}
	return src, nil
}

// Update applies the fields present in req.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Source, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	return s.repo.Update(ctx, id, func(src *Source) error {
		if req.Name != nil {
			src.Name = *req.Name
		}
		if req.Type != nil {
			src.Type = *req.Type
		}
		if req.Fields != nil {
			src.Fields = req.Fields
		}
		if req.Config != nil {
			src.Config = req.Config
		}
		return nil
	})
}

// Ingest records one reading for sourceID.
func (s *Service) Ingest(ctx context.Context, sourceID string, req IngestRequest) (*Reading, error) {
	if err := s.validate.Struct(req); err != nil {
		return nil, invalid(err)
	}
	r := Reading{SourceID: sourceID, RecordedAt: time.Now().UTC(), Data: req.Data}
	if req.RecordedAt != nil {
		r.RecordedAt = req.RecordedAt.UTC()
	}
	if err := s.repo.AppendReading(ctx, r); err != nil {
		return nil, err
	}
	return &r, nil
}

// ValidationError reports a rejected request body.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }

func (e *ValidationError) Unwrap() error { return e.Err }

func invalid(err error) error {
	var msgs []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, fe := range verrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Field(), fe.Tag()))
		}
		return &ValidationError{Err: fmt.Errorf("%s", strings.Join(msgs, "; "))}
	}
	return &ValidationError{Err: err}
}

// jsonMiddleware sets the Content-Type header to application/json.
func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// LoadRoutes registers source HTTP handlers on the given router.
func (s *Service) LoadRoutes(parentRouter *mux.Router) {
	router := parentRouter.PathPrefix("/sources").Subrouter()
	router.StrictSlash(false)
	router.Use(jsonMiddleware)

	router.HandleFunc("/get-sources", s.HandleList).Methods("GET")
	router.HandleFunc("/create", s.HandleCreate).Methods("POST")
	router.HandleFunc("/update/{id}", s.HandleUpdate).Methods("PATCH")
	router.HandleFunc("/test-api", s.HandleTestAPI).Methods("POST")
	router.HandleFunc("/latest-data/{sourceId}", s.HandleLatest).Methods("GET")
	router.HandleFunc("/readings/{sourceId}", s.HandleIngest).Methods("POST")
	router.HandleFunc("/{id}", s.HandleDelete).Methods("DELETE")
}
