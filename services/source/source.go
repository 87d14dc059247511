package source

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleList returns every configured source.
func (s *Service) HandleList(w http.ResponseWriter, r *http.Request) {
	sources, err := s.repo.List(r.Context())
	if err != nil {
		writeServiceError(w, err, "Failed to list sources")
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(sources)
}

// HandleCreate stores a new source.
func (s *Service) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	slog.Debug("Creating source", "name", req.Name, "type", req.Type)

	src, err := s.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, err, "Failed to create source")
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(src)
}

// HandleUpdate patches an existing source.
func (s *Service) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Updating source", "id", id)

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	src, err := s.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err, "Failed to update source", "id", id)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(src)
}

// HandleDelete removes a source and its readings.
func (s *Service) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	slog.Debug("Deleting source", "id", id)

	if err := s.repo.Delete(r.Context(), id); err != nil {
		writeServiceError(w, err, "Failed to delete source", "id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleLatest returns the newest reading of a source.
func (s *Service) HandleLatest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sourceId"]

	reading, err := s.repo.LatestReading(r.Context(), id)
	if err != nil {
		writeServiceError(w, err, "Failed to read latest data", "sourceId", id)
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(reading)
}

// HandleIngest records a reading pushed over HTTP.
func (s *Service) HandleIngest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sourceId"]

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reading, err := s.Ingest(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err, "Failed to store reading", "sourceId", id)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(reading)
}

// HandleTestAPI probes an HTTP endpoint on behalf of the client.
func (s *Service) HandleTestAPI(w http.ResponseWriter, r *http.Request) {
	var req TestAPIRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeServiceError(w, invalid(err), "Rejected test-api request")
		return
	}
	if s.prober == nil {
		writeError(w, http.StatusServiceUnavailable, "api testing is not available")
		return
	}
	slog.Debug("Testing API", "url", req.URL, "method", req.Method)

	resp, err := s.prober.Probe(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(resp)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

func writeServiceError(w http.ResponseWriter, err error, logMsg string, args ...any) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		slog.Error(logMsg, append(args, "error", err)...)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}
