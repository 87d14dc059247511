package workflow

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"
)

// HandleGetWorkflow returns the widget's workflow, creating it on first access.
func (s *Service) HandleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	widgetID := mux.Vars(r)["widgetId"]
	slog.Debug("Getting workflow", "widgetId", widgetID)

	wf, err := s.GetForWidget(r.Context(), widgetID)
	if err != nil {
		writeServiceError(w, err, "Failed to get workflow", "widgetId", widgetID)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"workflow": wf})
}

// HandleDeleteWorkflow destroys the widget's workflow.
func (s *Service) HandleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	widgetID := mux.Vars(r)["widgetId"]
	slog.Debug("Deleting workflow", "widgetId", widgetID)

	if err := s.DeleteForWidget(r.Context(), widgetID); err != nil {
		writeServiceError(w, err, "Failed to delete workflow", "widgetId", widgetID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSaveWorkflow replaces the workflow's nodes and edges in one step.
func (s *Service) HandleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]
	slog.Debug("Saving workflow", "id", id)

	var req SaveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	wf, err := s.Save(r.Context(), id, req.Nodes, req.Edges)
	if err != nil {
		writeServiceError(w, err, "Failed to save workflow", "id", id)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{"workflow": wf})
}

// HandleAddNode creates an unconfigured node.
func (s *Service) HandleAddNode(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]

	var req AddNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	slog.Debug("Adding node", "id", id, "nodeType", req.NodeType)

	node, err := s.AddNode(r.Context(), id, req.NodeType, req.Position)
	if err != nil {
		writeServiceError(w, err, "Failed to add node", "id", id)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(node)
}

// HandleUpdateNodeConfig replaces a node's config.
func (s *Service) HandleUpdateNodeConfig(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, nodeID := vars["workflowId"], vars["nodeId"]
	slog.Debug("Updating node config", "id", id, "nodeId", nodeID)

	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.UpdateNodeConfig(r.Context(), id, nodeID, req.Config)
	if err != nil {
		writeServiceError(w, err, "Failed to update node config", "id", id, "nodeId", nodeID)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(node)
}

// HandleUpdateNodePosition moves a node on the canvas.
func (s *Service) HandleUpdateNodePosition(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, nodeID := vars["workflowId"], vars["nodeId"]

	var req UpdatePositionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	node, err := s.UpdateNodePosition(r.Context(), id, nodeID, req.Position)
	if err != nil {
		writeServiceError(w, err, "Failed to move node", "id", id, "nodeId", nodeID)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(node)
}

// HandleDeleteNode removes a node and its edges.
func (s *Service) HandleDeleteNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id, nodeID := vars["workflowId"], vars["nodeId"]
	slog.Debug("Deleting node", "id", id, "nodeId", nodeID)

	if err := s.DeleteNode(r.Context(), id, nodeID); err != nil {
		writeServiceError(w, err, "Failed to delete node", "id", id, "nodeId", nodeID)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleConnect adds an edge between two nodes.
func (s *Service) HandleConnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]

	var req ConnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	slog.Debug("Connecting nodes", "id", id, "from", req.From, "to", req.To)

	resp, err := s.Connect(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, err, "Failed to connect nodes", "id", id)
		return
	}

	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(resp)
}

// HandleDisconnect removes the edges between two nodes.
func (s *Service) HandleDisconnect(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]

	var req DisconnectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	slog.Debug("Disconnecting nodes", "id", id, "from", req.From, "to", req.To)

	if err := s.Disconnect(r.Context(), id, req.From, req.To); err != nil {
		writeServiceError(w, err, "Failed to disconnect nodes", "id", id)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleExecuteWorkflow evaluates the current graph and returns per-output
// results together with the step-by-step trace. The body is optional.
func (s *Service) HandleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["workflowId"]
	slog.Debug("Executing workflow", "id", id)

	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	in := ExecutionInput{Series: req.Series}
	if req.Now != nil {
		in.Now = *req.Now
	}

	results, err := s.Execute(r.Context(), id, in)
	if err != nil {
		writeServiceError(w, err, "Workflow execution failed", "id", id)
		return
	}

	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(results)
}

func writeError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": message})
}

// statusFor maps a structural error kind to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInvalidConfig), errors.Is(err, ErrUnknownNodeType), errors.Is(err, ErrInvalidEdge):
		return http.StatusBadRequest
	case errors.Is(err, ErrCyclicGraph):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// writeServiceError writes err with its kind. Internal errors are logged and
// replaced by a generic message.
func writeServiceError(w http.ResponseWriter, err error, logMsg string, args ...any) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error(logMsg, append(args, "error", err)...)
		writeError(w, status, "internal server error")
		return
	}
	slog.Debug(logMsg, append(args, "error", err)...)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"message": err.Error(), "kind": KindOf(err)})
}
