package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dashflow/api/pkg/metrics"
)

// recordingPublisher captures published subjects.
type recordingPublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *recordingPublisher) Publish(_ context.Context, subject string, _ any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *recordingPublisher) Subjects() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.subjects...)
}

type testAPI struct {
	router    *mux.Router
	reader    *stubReader
	publisher *recordingPublisher
	metrics   *metrics.Collector
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	api := &testAPI{
		reader:    &stubReader{latest: map[string]map[string]any{}},
		publisher: &recordingPublisher{},
		metrics:   metrics.NewCollector("test"),
	}
	svc := NewService(Options{
		Backend:     NewMemoryBackend(),
		Reader:      api.reader,
		ReadTimeout: time.Second,
		Events:      api.publisher,
		Metrics:     api.metrics,
	})
	api.router = mux.NewRouter()
	svc.LoadRoutes(api.router.PathPrefix("/api/v1").Subrouter())
	return api
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, "/api/v1/dashboard/workflow"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (a *testAPI) workflowFor(t *testing.T, widgetID string) *Workflow {
	t.Helper()
	w := a.do(t, "GET", "/"+widgetID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	return decode[struct{ Workflow *Workflow }](t, w).Workflow
}

func (a *testAPI) addNode(t *testing.T, wfID string, nt NodeType, cfg map[string]any) Node {
	t.Helper()
	w := a.do(t, "POST", "/"+wfID+"/node", AddNodeRequest{NodeType: nt, Position: Position{X: 1, Y: 2}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	node := decode[Node](t, w)
	if cfg != nil {
		w = a.do(t, "PUT", "/"+wfID+"/node/"+node.ID, UpdateConfigRequest{Config: cfg})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		node = decode[Node](t, w)
	}
	return node
}

func (a *testAPI) connect(t *testing.T, wfID, from, to string) ConnectResponse {
	t.Helper()
	w := a.do(t, "POST", "/"+wfID+"/connect", ConnectRequest{From: from, To: to})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	return decode[ConnectResponse](t, w)
}

func TestHandleGetWorkflow_CreatesOnFirstAccess(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, "GET", "/widget-1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	first := decode[struct{ Workflow *Workflow }](t, w).Workflow
	require.NotNil(t, first)
	assert.Equal(t, "widget-1", first.WidgetID)
	assert.Empty(t, first.Nodes)

	second := api.workflowFor(t, "widget-1")
	assert.Equal(t, first.ID, second.ID)
}

func TestHandlers_EditAndExecute(t *testing.T) {
	api := newTestAPI(t)
	wf := api.workflowFor(t, "widget-temp")

	sourceID := "sensor-1"
	api.reader.latest[sourceID] = map[string]any{"temp": 85.0}

	src := api.addNode(t, wf.ID, NodeDataSource, map[string]any{"sourceId": sourceID, "fields": []string{"temp"}})
	assert.Equal(t, StatusConfigured, src.Status)
	check := api.addNode(t, wf.ID, NodeCondition, map[string]any{"field": "temp", "operator": ">", "threshold": 80})
	alert := api.addNode(t, wf.ID, NodeAlert, map[string]any{"severity": "critical", "message": "Too hot: {{value}}"})
	out := api.addNode(t, wf.ID, NodeOutput, map[string]any{"outputFields": []string{"message"}})

	api.connect(t, wf.ID, src.ID, check.ID)
	api.connect(t, wf.ID, check.ID, alert.ID)
	api.connect(t, wf.ID, alert.ID, out.ID)

	w := api.do(t, "POST", "/"+wf.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	res := decode[ExecutionResults](t, w)
	assert.Equal(t, ExecutionCompleted, res.Status)
	assert.Equal(t, "Too hot: 85", res.Result[out.ID].Value["message"])
	assert.Len(t, res.Steps, 4)

	api.reader.latest[sourceID] = map[string]any{"temp": 70.0}
	w = api.do(t, "POST", "/"+wf.ID+"/execute", map[string]any{})
	require.Equal(t, http.StatusOK, w.Code)
	res = decode[ExecutionResults](t, w)
	assert.Equal(t, OutcomeSkipped, res.Nodes[alert.ID].Status)
	assert.Equal(t, OutcomeSkipped, res.Result[out.ID].Status)

	assert.Equal(t, 2.0, testutil.ToFloat64(api.metrics.Executions.WithLabelValues(ExecutionCompleted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(api.metrics.NodeOutcomes.WithLabelValues(string(NodeAlert), OutcomeSkipped)))

	subjects := api.publisher.Subjects()
	assert.Contains(t, subjects, "workflow."+wf.ID+".changed")
	assert.Equal(t, "workflow."+wf.ID+".executed", subjects[len(subjects)-1])
}

func TestHandlers_NodeEditing(t *testing.T) {
	api := newTestAPI(t)
	wf := api.workflowFor(t, "widget-edit")
	node := api.addNode(t, wf.ID, NodeFormula, nil)
	assert.Equal(t, StatusNotConfigured, node.Status)
	assert.Equal(t, Position{X: 1, Y: 2}, node.Position)

	w := api.do(t, "PATCH", "/"+wf.ID+"/node/"+node.ID+"/position", UpdatePositionRequest{Position: Position{X: 300, Y: 40}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, Position{X: 300, Y: 40}, decode[Node](t, w).Position)

	w = api.do(t, "DELETE", "/"+wf.ID+"/node/"+node.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	got := api.workflowFor(t, "widget-edit")
	assert.Empty(t, got.Nodes)
}

func TestHandlers_SaveWorkflow(t *testing.T) {
	api := newTestAPI(t)
	wf := api.workflowFor(t, "widget-save")

	w := api.do(t, "PUT", "/"+wf.ID, SaveRequest{
		Nodes: []Node{
			{ID: "calc", Type: NodeFormula, Config: map[string]any{"formula": "6 * 7"}},
			{ID: "out", Type: NodeOutput, Config: map[string]any{"outputFields": []string{"value"}}},
		},
		Edges: []Edge{{From: "calc", To: "out"}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	saved := decode[struct{ Workflow *Workflow }](t, w).Workflow
	assert.Len(t, saved.Nodes, 2)

	w = api.do(t, "POST", "/"+wf.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 42.0, decode[ExecutionResults](t, w).Result["out"].Value["value"])
}

func TestHandlers_Errors(t *testing.T) {
	api := newTestAPI(t)
	wf := api.workflowFor(t, "widget-errors")
	a := api.addNode(t, wf.ID, NodeFormula, map[string]any{"formula": "1"})
	b := api.addNode(t, wf.ID, NodeFormula, map[string]any{"formula": "value + 1"})
	api.connect(t, wf.ID, a.ID, b.ID)

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		kind   string
	}{
		{"unknown node type", "POST", "/" + wf.ID + "/node", AddNodeRequest{NodeType: "webhook"}, http.StatusBadRequest, "UnknownNodeType"},
		{"unknown workflow", "POST", "/00000000-0000-0000-0000-000000000000/node", AddNodeRequest{NodeType: NodeFormula}, http.StatusNotFound, "NotFound"},
		{"malformed config", "PUT", "/" + wf.ID + "/node/" + a.ID, UpdateConfigRequest{Config: map[string]any{"decimals": "two"}}, http.StatusBadRequest, "InvalidConfig"},
		{"decimals out of range", "PUT", "/" + wf.ID + "/node/" + a.ID, UpdateConfigRequest{Config: map[string]any{"formula": "1", "decimals": 400}}, http.StatusBadRequest, "InvalidConfig"},
		{"missing node", "PUT", "/" + wf.ID + "/node/ghost", UpdateConfigRequest{Config: map[string]any{}}, http.StatusNotFound, "NotFound"},
		{"connect to missing node", "POST", "/" + wf.ID + "/connect", ConnectRequest{From: a.ID, To: "ghost"}, http.StatusNotFound, "NotFound"},
		{"self loop", "POST", "/" + wf.ID + "/connect", ConnectRequest{From: a.ID, To: a.ID}, http.StatusBadRequest, "InvalidEdge"},
		{"rejected cycle", "POST", "/" + wf.ID + "/connect", ConnectRequest{From: b.ID, To: a.ID, RejectCycles: true}, http.StatusUnprocessableEntity, "CyclicGraph"},
		{"disconnect missing node", "POST", "/" + wf.ID + "/disconnect", DisconnectRequest{From: "ghost", To: a.ID}, http.StatusNotFound, "NotFound"},
		{"delete missing widget", "DELETE", "/no-such-widget", nil, http.StatusNotFound, "NotFound"},
		{"execute missing workflow", "POST", "/nope/execute", nil, http.StatusNotFound, "NotFound"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.status, w.Code, w.Body.String())
			body := decode[map[string]string](t, w)
			assert.Equal(t, tt.kind, body["kind"])
			assert.NotEmpty(t, body["message"])
		})
	}

	t.Run("invalid body", func(t *testing.T) {
		req := httptest.NewRequest("POST", "/api/v1/dashboard/workflow/"+wf.ID+"/connect", bytes.NewBufferString("{"))
		w := httptest.NewRecorder()
		api.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.JSONEq(t, `{"message":"invalid request body"}`, w.Body.String())
	})
}

func TestHandlers_CycleThenExecute(t *testing.T) {
	api := newTestAPI(t)
	wf := api.workflowFor(t, "widget-cycle")
	a := api.addNode(t, wf.ID, NodeFormula, map[string]any{"formula": "1"})
	b := api.addNode(t, wf.ID, NodeFormula, map[string]any{"formula": "value + 1"})

	assert.False(t, api.connect(t, wf.ID, a.ID, b.ID).CreatesCycle)
	assert.True(t, api.connect(t, wf.ID, b.ID, a.ID).CreatesCycle)

	w := api.do(t, "POST", "/"+wf.ID+"/execute", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "CyclicGraph", decode[map[string]string](t, w)["kind"])

	w = api.do(t, "POST", "/"+wf.ID+"/disconnect", DisconnectRequest{From: b.ID, To: a.ID})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, "POST", "/"+wf.ID+"/execute", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_DeleteWorkflow(t *testing.T) {
	api := newTestAPI(t)
	first := api.workflowFor(t, "widget-gone")

	w := api.do(t, "DELETE", "/widget-gone", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = api.do(t, "POST", "/"+first.ID+"/execute", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	again := api.workflowFor(t, "widget-gone")
	assert.NotEqual(t, first.ID, again.ID)
}
