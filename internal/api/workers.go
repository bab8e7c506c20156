package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"taskflow/internal/dispatch"
	"taskflow/internal/domain"
	"taskflow/internal/orchestrator"
)

func (s *Server) registerWorker(w http.ResponseWriter, r *http.Request) {
	var worker domain.Worker
	if err := decode(r, &worker); err != nil {
		s.writeError(w, err)
		return
	}
	if _, err := s.orch.RegisterWorker(worker); err != nil {
		s.writeError(w, err)
		return
	}
	registered, _ := s.orch.Worker(worker.ID)
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) listWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Workers())
}

func (s *Server) getWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	worker, ok := s.orch.Worker(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", errWorkerNotFound, id))
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (s *Server) unregisterWorker(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.orch.UnregisterWorker(id) {
		s.writeError(w, fmt.Errorf("%w: %s", errWorkerNotFound, id))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// drainInbox hands queued messages to remote workers that poll over HTTP.
func (s *Server) drainInbox(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	limit, err := queryInt(r, "max", 100)
	if err != nil {
		s.writeError(w, err)
		return
	}
	mb, ok := s.bus.Mailbox(id)
	if !ok {
		s.writeError(w, fmt.Errorf("%w: %s", errWorkerNotFound, id))
		return
	}
	out := []domain.Message{}
	for limit == 0 || len(out) < limit {
		msg, ok := mb.TryNext()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) coordinator(w http.ResponseWriter, r *http.Request) {
	c, ok := s.orch.Coordinator()
	if !ok {
		s.writeError(w, fmt.Errorf("%w: no coordinator registered", errWorkerNotFound))
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type broadcastReq struct {
	Kind    domain.MessageKind `json:"kind"`
	Payload json.RawMessage    `json:"payload,omitempty"`
	Exclude []string           `json:"exclude,omitempty"`
}

func (s *Server) broadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Kind == "" {
		s.writeError(w, fmt.Errorf("%w: kind is required", errBadRequest))
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Broadcast(req.Kind, req.Payload, req.Exclude...))
}

type sendReq struct {
	From    string             `json:"from"`
	To      string             `json:"to"`
	Kind    domain.MessageKind `json:"kind"`
	Payload json.RawMessage    `json:"payload,omitempty"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.To == "" || req.Kind == "" {
		s.writeError(w, fmt.Errorf("%w: to and kind are required", errBadRequest))
		return
	}
	if req.From == "" {
		req.From = orchestrator.SenderID
	}
	msg := s.bus.Send(domain.Message{From: req.From, To: req.To, Kind: req.Kind, Payload: req.Payload})
	writeJSON(w, http.StatusAccepted, msg)
}

func (s *Server) messages(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Messages(limit))
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

type policyReq struct {
	Policy         string `json:"policy"`
	MaxConcurrency *int   `json:"max_concurrency,omitempty"`
}

// setPolicy changes the default policy and, when given, the parallel
// fan-out ceiling.
func (s *Server) setPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyReq
	if err := decode(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	p, err := dispatch.ParsePolicy(req.Policy)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if req.MaxConcurrency != nil && *req.MaxConcurrency < 0 {
		s.writeError(w, fmt.Errorf("%w: max_concurrency must be >= 0", errBadRequest))
		return
	}
	s.orch.SetPolicy(p)
	if req.MaxConcurrency != nil {
		s.orch.SetMaxConcurrency(*req.MaxConcurrency)
	}
	n := s.orch.MaxConcurrency()
	writeJSON(w, http.StatusOK, policyReq{Policy: string(p), MaxConcurrency: &n})
}

// reset drops every task and workflow. Registered workers are kept.
func (s *Server) reset(w http.ResponseWriter, r *http.Request) {
	s.orch.Reset()
	writeJSON(w, http.StatusOK, s.orch.Stats())
}
