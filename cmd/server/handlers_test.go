package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/liamcoop/api4cep/definitions"
	"github.com/liamcoop/api4cep/dispatch"
	"github.com/liamcoop/api4cep/registry"
)

type testAPI struct {
	server   *httptest.Server
	recorder *dispatch.Recorder
	logs     *bytes.Buffer
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	reg := prometheus.NewRegistry()
	logs := &bytes.Buffer{}
	log := slog.New(slog.NewJSONHandler(logs, nil))
	recorder := dispatch.NewRecorder()

	manager := registry.NewManager(registry.MemoryStores(),
		dispatch.New(recorder, dispatch.WithMetrics(dispatch.NewMetrics(reg))),
		registry.WithServiceOptions(
			definitions.WithLogger(log),
			definitions.WithMetrics(definitions.NewMetrics(reg)),
		))
	require.NoError(t, manager.LoadAllKinds())

	srv := httptest.NewServer(NewServer(manager, nil, reg, log))
	t.Cleanup(srv.Close)

	return &testAPI{server: srv, recorder: recorder, logs: logs}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers ...string) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, a.server.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, data
}

func (a *testAPI) definition(t *testing.T, method, path string, body any) (int, DefinitionResponse) {
	t.Helper()
	status, data := a.do(t, method, path, body)
	var def DefinitionResponse
	if status < 300 {
		require.NoError(t, json.Unmarshal(data, &def), string(data))
	}
	return status, def
}

func (a *testAPI) create(t *testing.T, kind, name, content string) DefinitionResponse {
	t.Helper()
	status, def := a.definition(t, http.MethodPost, "/api/v1/"+kind+"s", DefinitionRequest{Name: name, Content: content})
	require.Equal(t, http.StatusCreated, status)
	return def
}

func TestHealth(t *testing.T) {
	api := newTestAPI(t)

	status, data := api.do(t, http.MethodGet, "/api/v1/health", nil)
	require.Equal(t, http.StatusOK, status)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(data, &health))
	assert.Equal(t, "healthy", health.Status)
	assert.ElementsMatch(t, []string{"event-type", "event-pattern"}, health.Kinds)
}

func TestCreateAndGet(t *testing.T) {
	api := newTestAPI(t)

	created := api.create(t, "event-type", "Tick", "create schema Tick()")
	assert.Equal(t, "draft", created.State)
	assert.Equal(t, "event-type", created.Kind)
	assert.Equal(t, int64(1), created.Version)

	status, got := api.definition(t, http.MethodGet, "/api/v1/event-types/"+created.ID, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "create schema Tick()", got.Content)

	status, _ = api.do(t, http.MethodGet, "/api/v1/event-patterns/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, status, "kinds are separate collections")
}

func TestCreateErrors(t *testing.T) {
	api := newTestAPI(t)
	api.create(t, "event-pattern", "HighPrice", "select * from Tick")

	status, _ := api.do(t, http.MethodPost, "/api/v1/event-patterns", DefinitionRequest{Name: "HighPrice", Content: "x"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/event-patterns", DefinitionRequest{Name: "", Content: "x"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = api.do(t, http.MethodPost, "/api/v1/event-patterns",
		DefinitionRequest{Name: "Long", Content: strings.Repeat("x", definitions.MaxContentLength+1)})
	assert.Equal(t, http.StatusBadRequest, status)

	req, err := http.NewRequest(http.MethodPost, api.server.URL+"/api/v1/event-patterns", strings.NewReader("{"))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestLifecycleEndpoints(t *testing.T) {
	api := newTestAPI(t)
	def := api.create(t, "event-type", "Tick", "create schema Tick()")
	base := "/api/v1/event-types/" + def.ID

	status, staged := api.definition(t, http.MethodPut, base+"/ready", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "staged", staged.State)

	// Staged definitions cannot be edited
	status, _ = api.do(t, http.MethodPut, base, DefinitionRequest{Name: "Tock", Content: "x"})
	assert.Equal(t, http.StatusConflict, status)

	status, _ = api.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusConflict, status)

	status, deployed := api.definition(t, http.MethodPut, base+"/deploy", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", deployed.State)
	assert.False(t, deployed.ReadyToDeploy)

	status, _ = api.do(t, http.MethodPut, base+"/ready", nil)
	assert.Equal(t, http.StatusConflict, status)

	status, edited := api.definition(t, http.MethodPut, base, DefinitionRequest{Name: "Tock", Content: "create schema Tock()"})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "active", edited.State)

	status, undeployed := api.definition(t, http.MethodPut, base+"/undeploy", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "draft", undeployed.State)

	status, _ = api.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, status)

	assert.Equal(t, []dispatch.Message{
		dispatch.DeployMessage("create schema Tick()"),
		dispatch.UndeployMessage("Tick"),
		dispatch.DeployMessage("create schema Tock()"),
		dispatch.UndeployMessage("Tock"),
	}, api.recorder.Messages())
}

func TestUnreadyEndpoint(t *testing.T) {
	api := newTestAPI(t)
	def := api.create(t, "event-pattern", "P", "select 1")
	base := "/api/v1/event-patterns/" + def.ID

	api.definition(t, http.MethodPut, base+"/ready", nil)
	status, unstaged := api.definition(t, http.MethodPut, base+"/unready", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "draft", unstaged.State)
}

func TestDispatchFailureReturns503(t *testing.T) {
	api := newTestAPI(t)
	def := api.create(t, "event-type", "Tick", "a")
	api.recorder.FailWith(errors.New("connection refused"))

	status, data := api.do(t, http.MethodPut, "/api/v1/event-types/"+def.ID+"/deploy", nil)
	assert.Equal(t, http.StatusServiceUnavailable, status)

	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(data, &errResp))
	assert.Contains(t, errResp.Details, "connection refused")

	// The flag change was kept
	_, got := api.definition(t, http.MethodGet, "/api/v1/event-types/"+def.ID, nil)
	assert.True(t, got.Deployed)
}

func TestListAndFindByName(t *testing.T) {
	api := newTestAPI(t)
	a := api.create(t, "event-type", "A", "a")
	api.create(t, "event-type", "B", "b")
	api.definition(t, http.MethodPut, "/api/v1/event-types/"+a.ID+"/deploy", nil)

	status, data := api.do(t, http.MethodGet, "/api/v1/event-types", nil)
	require.Equal(t, http.StatusOK, status)
	var list DefinitionsListResponse
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Equal(t, 2, list.Count)

	status, data = api.do(t, http.MethodGet, "/api/v1/event-types?filter=deployed", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "A", list.Definitions[0].Name)

	status, _ = api.do(t, http.MethodGet, "/api/v1/event-types?filter=name", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, data = api.do(t, http.MethodGet, "/api/v1/event-types/name?name=B", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(data, &list))
	require.Equal(t, 1, list.Count)
	assert.Equal(t, "B", list.Definitions[0].Name)

	status, data = api.do(t, http.MethodGet, "/api/v1/event-types/name?name=missing", nil)
	require.Equal(t, http.StatusOK, status)
	require.NoError(t, json.Unmarshal(data, &list))
	assert.Zero(t, list.Count)
	assert.NotNil(t, list.Definitions)

	status, _ = api.do(t, http.MethodGet, "/api/v1/event-types/name", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestPrincipalHeaderIsAudited(t *testing.T) {
	api := newTestAPI(t)
	def := api.create(t, "event-type", "Tick", "a")

	status, _ := api.do(t, http.MethodPut, "/api/v1/event-types/"+def.ID+"/ready", nil, PrincipalHeader, "alice")
	require.Equal(t, http.StatusOK, status)

	assert.Contains(t, api.logs.String(), "user alice did stage on event type")
	assert.Contains(t, api.logs.String(), fmt.Sprintf(`"user":"%s"`, definitions.Anonymous), "the create had no principal")
}

func TestMetricsEndpoint(t *testing.T) {
	api := newTestAPI(t)
	def := api.create(t, "event-type", "Tick", "a")
	api.do(t, http.MethodPut, "/api/v1/event-types/"+def.ID+"/deploy", nil)

	status, data := api.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, status)
	body := string(data)
	assert.Contains(t, body, `api4cep_definitions_operations_total{kind="event-type",op="deploy",outcome="ok"} 1`)
	assert.Contains(t, body, `api4cep_dispatch_messages_total{outcome="ok",queue="deploy"} 1`)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{definitions.ErrInvalid, http.StatusBadRequest},
		{fmt.Errorf("x: %w", definitions.ErrNotFound), http.StatusNotFound},
		{definitions.ErrNameConflict, http.StatusConflict},
		{&definitions.TransitionError{Op: definitions.OpDelete, State: definitions.StateActive}, http.StatusConflict},
		{definitions.ErrStale, http.StatusConflict},
		{definitions.ErrDispatchUnavailable, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestUpdateErrorOrder(t *testing.T) {
	api := newTestAPI(t)
	invalid := DefinitionRequest{Name: "Tick", Content: ""}

	status, _ := api.do(t, http.MethodPut, "/api/v1/event-types/missing", invalid)
	assert.Equal(t, http.StatusNotFound, status)

	created := api.create(t, "event-type", "Tick", "create schema Tick()")
	status, _ = api.do(t, http.MethodPut, "/api/v1/event-types/"+created.ID+"/ready", nil)
	require.Equal(t, http.StatusOK, status)

	status, _ = api.do(t, http.MethodPut, "/api/v1/event-types/"+created.ID, invalid)
	assert.Equal(t, http.StatusConflict, status, "a staged definition is not editable")
}
