package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/taskorch/taskorch/orchestrator"
	"github.com/taskorch/taskorch/task"
	"github.com/taskorch/taskorch/template"
)

// CreateTaskRequest is the body of POST /api/tasks and of each batch item.
type CreateTaskRequest struct {
	Name         string         `json:"name"`
	Prompt       string         `json:"prompt"`
	Priority     string         `json:"priority,omitempty"`
	ParentTaskID *uuid.UUID     `json:"parent_task_id,omitempty"`
	CreatedBy    *string        `json:"created_by,omitempty"`
	ExecuteAfter *time.Time     `json:"execute_after,omitempty"`
	MaxRetries   *int           `json:"max_retries,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// toServiceRequest applies the X-User-Id default before handing the
// request to the service.
func (req CreateTaskRequest) toServiceRequest(r *http.Request) orchestrator.CreateTaskRequest {
	createdBy := req.CreatedBy
	if createdBy == nil {
		if user := r.Header.Get(HeaderUserID); user != "" {
			createdBy = &user
		}
	}
	return orchestrator.CreateTaskRequest{
		Name:         req.Name,
		Prompt:       req.Prompt,
		Priority:     task.Priority(req.Priority),
		ParentTaskID: req.ParentTaskID,
		CreatedBy:    createdBy,
		ExecuteAfter: req.ExecuteAfter,
		MaxRetries:   req.MaxRetries,
		Metadata:     req.Metadata,
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func pathTaskID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid task id")
		return uuid.Nil, false
	}
	return id, true
}

// handleCreateTask serves POST /api/tasks.
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := s.service.CreateTask(r.Context(), req.toServiceRequest(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// ListTasksResponse is the body of GET /api/tasks.
type ListTasksResponse struct {
	Tasks      []*task.Task `json:"tasks"`
	TotalCount int          `json:"total_count"`
	Limit      int          `json:"limit"`
	Offset     int          `json:"offset"`
}

// handleListTasks serves GET /api/tasks.
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := task.ListFilter{Query: q.Get("query")}

	var err error
	if filter.Limit, err = queryInt(q.Get("limit"), 0); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid limit")
		return
	}
	if filter.Offset, err = queryInt(q.Get("offset"), 0); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid offset")
		return
	}
	if status := q.Get("status"); status != "" {
		st := task.Status(status)
		filter.Status = &st
	}

	tasks, total, err := s.service.ListTasks(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if tasks == nil {
		tasks = []*task.Task{}
	}

	limit := filter.Limit
	if limit == 0 {
		limit = orchestrator.DefaultListLimit
	}
	writeJSON(w, http.StatusOK, ListTasksResponse{
		Tasks:      tasks,
		TotalCount: total,
		Limit:      limit,
		Offset:     filter.Offset,
	})
}

func queryInt(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

// handleGetTask serves GET /api/tasks/{id}.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.service.GetTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleRetryTask serves POST /api/tasks/{id}/retry.
func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.service.RetryTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// handleCancelTask serves POST /api/tasks/{id}/cancel.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	t, err := s.service.CancelTask(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// BatchCreateRequest is the body of POST /api/tasks/batch.
type BatchCreateRequest struct {
	Tasks []CreateTaskRequest `json:"tasks"`
}

// BatchCreateResponse is the body of a successful batch creation.
type BatchCreateResponse struct {
	Tasks []*task.Task `json:"tasks"`
}

// handleBatchCreate serves POST /api/tasks/batch.
func (s *Server) handleBatchCreate(w http.ResponseWriter, r *http.Request) {
	var req BatchCreateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	reqs := make([]orchestrator.CreateTaskRequest, len(req.Tasks))
	for i, item := range req.Tasks {
		reqs[i] = item.toServiceRequest(r)
	}

	created, err := s.service.BatchCreateTasks(r.Context(), reqs)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, BatchCreateResponse{Tasks: created})
}

// handleGetLineage serves GET /api/tasks/{id}/lineage.
func (s *Server) handleGetLineage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}

	maxDepth, err := queryInt(r.URL.Query().Get("max_depth"), 0)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_argument", "invalid max_depth")
		return
	}

	lineage, err := s.service.GetTaskLineage(r.Context(), id, maxDepth)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lineage)
}

// ListExecutionsResponse is the body of GET /api/tasks/{id}/executions.
type ListExecutionsResponse struct {
	Executions []*task.Execution `json:"executions"`
}

// handleListExecutions serves GET /api/tasks/{id}/executions.
func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	execs, err := s.service.ListExecutions(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if execs == nil {
		execs = []*task.Execution{}
	}
	writeJSON(w, http.StatusOK, ListExecutionsResponse{Executions: execs})
}

// handleListTemplates serves GET /api/templates.
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"templates": template.List()})
}

// CreateFromTemplateRequest is the body of POST /api/templates/{template_id}/tasks.
type CreateFromTemplateRequest struct {
	InputText    string     `json:"input_text"`
	Name         string     `json:"name,omitempty"`
	ParentTaskID *uuid.UUID `json:"parent_task_id,omitempty"`
	CreatedBy    *string    `json:"created_by,omitempty"`
}

// handleCreateFromTemplate serves POST /api/templates/{template_id}/tasks.
func (s *Server) handleCreateFromTemplate(w http.ResponseWriter, r *http.Request) {
	templateID := r.PathValue("template_id")

	var req CreateFromTemplateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	base := CreateTaskRequest{
		Name:         req.Name,
		ParentTaskID: req.ParentTaskID,
		CreatedBy:    req.CreatedBy,
	}
	created, err := s.service.CreateTaskFromTemplate(r.Context(), templateID, req.InputText, base.toServiceRequest(r))
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}
