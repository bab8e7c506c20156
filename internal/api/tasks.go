package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/domain"
	"taskflow/internal/orchestrator"
)

func (s *Server) submitTask(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.TaskSpec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.orch.SubmitTask(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var statuses []domain.TaskStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, domain.TaskStatus(st))
	}
	writeJSON(w, http.StatusOK, s.orch.Tasks(statuses...))
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	t, ok := s.orch.Task(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", orchestrator.ErrTaskNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.StartTask(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type completeReq struct {
	Result json.RawMessage `json:"result,omitempty"`
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	var req completeReq
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			s.writeError(w, err)
			return
		}
	}
	t, err := s.orch.CompleteTask(r.Context(), chi.URLParam(r, "id"), req.Result)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type failReq struct {
	Error string `json:"error"`
}

func (s *Server) failTask(w http.ResponseWriter, r *http.Request) {
	var req failReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.orch.FailTask(r.Context(), chi.URLParam(r, "id"), req.Error)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) retryTask(w http.ResponseWriter, r *http.Request) {
	t, err := s.orch.RetryPending(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

type workflowResp struct {
	Workflow domain.Workflow `json:"workflow"`
	Tasks    []domain.Task   `json:"tasks"`
}

func (s *Server) submitWorkflow(w http.ResponseWriter, r *http.Request) {
	var spec orchestrator.WorkflowSpec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	wf, tasks, err := s.orch.SubmitWorkflow(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workflowResp{Workflow: wf, Tasks: tasks})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	wf, ok := s.orch.Workflow(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", orchestrator.ErrWorkflowNotFound, id))
		return
	}
	tasks := make([]domain.Task, 0, len(wf.TaskIDs))
	for _, tid := range wf.TaskIDs {
		if t, ok := s.orch.Task(tid); ok {
			tasks = append(tasks, t)
		}
	}
	writeJSON(w, http.StatusOK, workflowResp{Workflow: wf, Tasks: tasks})
}
