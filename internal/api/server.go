package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"taskflow/internal/bus"
	"taskflow/internal/dispatch"
	"taskflow/internal/orchestrator"
	"taskflow/internal/scheduler"
)

// Deps are the components the HTTP surface exposes. Metrics may be nil.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Bus          *bus.Bus
	Scheduler    *scheduler.Service
	Metrics      http.Handler
	Logger       *zerolog.Logger
	// Debug mounts net/http/pprof under /debug/pprof.
	Debug bool
}

type Server struct {
	r     *chi.Mux
	orch  *orchestrator.Orchestrator
	bus   *bus.Bus
	sched *scheduler.Service
	log   zerolog.Logger
}

func NewServer(d Deps) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, orch: d.Orchestrator, bus: d.Bus, sched: d.Scheduler, log: log.Logger}
	if d.Logger != nil {
		s.log = *d.Logger
	}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/workers", s.registerWorker)
		r.Get("/workers", s.listWorkers)
		r.Get("/workers/{id}", s.getWorker)
		r.Delete("/workers/{id}", s.unregisterWorker)
		r.Get("/workers/{id}/inbox", s.drainInbox)
		r.Get("/coordinator", s.coordinator)

		r.Post("/tasks", s.submitTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Post("/tasks/{id}/start", s.startTask)
		r.Post("/tasks/{id}/complete", s.completeTask)
		r.Post("/tasks/{id}/fail", s.failTask)
		r.Post("/tasks/{id}/retry", s.retryTask)

		r.Post("/workflows", s.submitWorkflow)
		r.Get("/workflows/{id}", s.getWorkflow)

		r.Post("/broadcast", s.broadcast)
		r.Post("/messages", s.sendMessage)
		r.Get("/messages", s.messages)
		r.Get("/stats", s.stats)
		r.Put("/dispatch/policy", s.setPolicy)
		r.Post("/reset", s.reset)

		if s.sched != nil {
			r.Post("/schedules", s.createSchedule)
			r.Get("/schedules", s.listSchedules)
			r.Get("/schedules/{id}", s.getSchedule)
			r.Delete("/schedules/{id}", s.deleteSchedule)
			r.Post("/schedules/{id}/cancel", s.cancelSchedule)
			r.Post("/schedules/{id}/pause", s.pauseSchedule)
			r.Post("/schedules/{id}/resume", s.resumeSchedule)
			r.Post("/schedules/{id}/trigger", s.triggerSchedule)
			r.Get("/schedules/{id}/runs", s.scheduleRuns)
		}
	})

	if d.Debug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

type errorResp struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("request failed")
	}
	writeJSON(w, code, errorResp{Error: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrTaskNotFound),
		errors.Is(err, orchestrator.ErrWorkflowNotFound),
		errors.Is(err, scheduler.ErrNotFound),
		errors.Is(err, errWorkerNotFound):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidTask),
		errors.Is(err, orchestrator.ErrInvalidWorker),
		errors.Is(err, scheduler.ErrInvalidTask),
		errors.Is(err, scheduler.ErrScheduleParse),
		errors.Is(err, scheduler.ErrScheduleUnsatisfiable),
		errors.Is(err, dispatch.ErrUnknownPolicy),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateTask),
		errors.Is(err, orchestrator.ErrInvalidTransition),
		errors.Is(err, orchestrator.ErrDependenciesPending),
		errors.Is(err, dispatch.ErrNoEligibleWorker),
		errors.Is(err, scheduler.ErrRunInProgress):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

var (
	errBadRequest     = errors.New("bad request")
	errWorkerNotFound = errors.New("worker not found")
)

// decode reads a JSON body into v. Unknown fields are rejected.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// queryInt returns the integer query parameter name, or def when absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.Join(errBadRequest, errors.New(name+" must be a non-negative integer"))
	}
	return n, nil
}
