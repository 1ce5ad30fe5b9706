package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskorch/taskorch/dispatch"
	"github.com/taskorch/taskorch/orchestrator"
	"github.com/taskorch/taskorch/task"
	"github.com/taskorch/taskorch/task/tasktest"
)

type stubDispatcher struct {
	submitErr error
}

func (d *stubDispatcher) Submit(context.Context, dispatch.Item) error { return d.submitErr }
func (d *stubDispatcher) Revoke(context.Context, string, bool) error  { return nil }

func newTestServer(t *testing.T) (*httptest.Server, *tasktest.Repository, *stubDispatcher) {
	t.Helper()
	repo := tasktest.NewRepository()
	disp := &stubDispatcher{}
	svc := orchestrator.NewService(repo, disp)
	srv := httptest.NewServer(NewServer(svc, nil).Handler())
	t.Cleanup(srv.Close)
	return srv, repo, disp
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestCreateTaskEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t1", Prompt: "hi"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get(HeaderRequestID))

	created := decode[task.Task](t, resp)
	assert.Equal(t, "t1", created.Name)
	assert.Equal(t, task.StatusQueued, created.Status)
}

func TestCreateTaskEchoesRequestID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"},
		map[string]string{HeaderRequestID: "req-42"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "req-42", resp.Header.Get(HeaderRequestID))
}

func TestCreateTaskUserIDDefault(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"},
		map[string]string{HeaderUserID: "alice"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	created := decode[task.Task](t, resp)
	require.NotNil(t, created.CreatedBy)
	assert.Equal(t, "alice", *created.CreatedBy)
}

func TestCreateTaskValidationError(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Prompt: "p"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "invalid_argument", body.Error)
}

func TestCreateTaskDispatchUnavailable(t *testing.T) {
	srv, _, disp := newTestServer(t)
	disp.submitErr = errors.New("broker down")

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"}, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "unavailable", body.Error)
}

func TestGetTaskNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+uuid.New().String(), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	// Error messages carry the request ID minted for the request.
	requestID := resp.Header.Get(HeaderRequestID)
	require.NotEmpty(t, requestID)
	body := decode[ErrorResponse](t, resp)
	assert.Contains(t, body.Message, requestID)
}

func TestGetTaskBadID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks/not-a-uuid", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRetryTaskPrecondition(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"}, nil)
	created := decode[task.Task](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks/"+created.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "failed_precondition", body.Error)
}

func TestCancelTaskTwice(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"}, nil)
	created := decode[task.Task](t, resp)
	cancelURL := srv.URL + "/api/tasks/" + created.ID.String() + "/cancel"

	resp = doJSON(t, http.MethodPost, cancelURL, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	cancelled := decode[task.Task](t, resp)
	assert.Equal(t, task.StatusCancelled, cancelled.Status)

	resp = doJSON(t, http.MethodPost, cancelURL, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestListTasksEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
			CreateTaskRequest{Name: fmt.Sprintf("task-%d", i), Prompt: "p"}, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks?limit=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decode[ListTasksResponse](t, resp)
	assert.Equal(t, 3, list.TotalCount)
	assert.Len(t, list.Tasks, 2)
	assert.Equal(t, 2, list.Limit)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?status=queued&query=task-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list = decode[ListTasksResponse](t, resp)
	assert.Equal(t, 1, list.TotalCount)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks?limit=9999", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestBatchCreateParentNotFound(t *testing.T) {
	srv, repo, _ := newTestServer(t)

	missing := uuid.New()
	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/batch", BatchCreateRequest{
		Tasks: []CreateTaskRequest{
			{Name: "a", Prompt: "p"},
			{Name: "b", Prompt: "p", ParentTaskID: &missing},
		},
	}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	_, total, err := repo.List(context.Background(), task.ListFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestBatchCreateSuccess(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks/batch", BatchCreateRequest{
		Tasks: []CreateTaskRequest{
			{Name: "a", Prompt: "p"},
			{Name: "b", Prompt: "p"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decode[BatchCreateResponse](t, resp)
	require.Len(t, body.Tasks, 2)
	for _, tk := range body.Tasks {
		assert.Equal(t, task.StatusQueued, tk.Status)
	}
}

func TestTemplateEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/api/templates", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/templates/summarize_text/tasks",
		CreateFromTemplateRequest{InputText: "meeting notes"}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[task.Task](t, resp)
	assert.Equal(t, "Summarize Text task", created.Name)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/templates/nope/tasks",
		CreateFromTemplateRequest{InputText: "x"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLineageEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "root", Prompt: "p"}, nil)
	root := decode[task.Task](t, resp)

	resp = doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "child", Prompt: "p", ParentTaskID: &root.ID}, nil)
	child := decode[task.Task](t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+child.ID.String()+"/lineage", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	lineage := decode[orchestrator.Lineage](t, resp)
	assert.Equal(t, child.ID, lineage.Root.ID)
	require.Len(t, lineage.Ancestors, 1)
	assert.Equal(t, root.ID, lineage.Ancestors[0].Task.ID)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+child.ID.String()+"/lineage?max_depth=99", nil, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExecutionsEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodPost, srv.URL+"/api/tasks",
		CreateTaskRequest{Name: "t", Prompt: "p"}, nil)
	created := decode[task.Task](t, resp)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks/"+created.ID.String()+"/executions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[ListExecutionsResponse](t, resp)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, 1, body.Executions[0].AttemptNumber)
}

func TestDeadlineHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)

	past := time.Now().Add(-time.Minute).Format(time.RFC3339)
	resp := doJSON(t, http.MethodGet, srv.URL+"/api/tasks", nil,
		map[string]string{HeaderDeadline: past})
	require.Equal(t, http.StatusGatewayTimeout, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "deadline_exceeded", body.Error)

	future := time.Now().Add(time.Minute).Format(time.RFC3339)
	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks", nil,
		map[string]string{HeaderDeadline: future})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, http.MethodGet, srv.URL+"/api/tasks", nil,
		map[string]string{HeaderDeadline: "garbage"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp := doJSON(t, http.MethodGet, srv.URL+"/healthz", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode[map[string]string](t, resp)
	assert.Equal(t, "ok", body["status"])
}
