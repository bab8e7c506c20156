package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/scheduler"
)

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var spec scheduler.TaskSpec
	if err := decode(r, &spec); err != nil {
		s.writeError(w, err)
		return
	}
	id, err := s.sched.CreateTask(r.Context(), spec)
	if err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.sched.Task(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.sched.Tasks(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getSchedule(w http.ResponseWriter, r *http.Request) {
	t, err := s.sched.Task(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.sched.DeleteTask(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelSchedule(w http.ResponseWriter, r *http.Request) {
	s.changeSchedule(w, r, s.sched.CancelTask)
}

func (s *Server) pauseSchedule(w http.ResponseWriter, r *http.Request) {
	s.changeSchedule(w, r, s.sched.PauseTask)
}

func (s *Server) resumeSchedule(w http.ResponseWriter, r *http.Request) {
	s.changeSchedule(w, r, s.sched.ResumeTask)
}

// changeSchedule applies op and responds with the updated task.
func (s *Server) changeSchedule(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error) {
	id := chi.URLParam(r, "id")
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	t, err := s.sched.Task(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) triggerSchedule(w http.ResponseWriter, r *http.Request) {
	run, err := s.sched.TriggerNow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) scheduleRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.writeError(w, err)
		return
	}
	runs, err := s.sched.Runs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}
