package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"verifyci/internal/core"
	"verifyci/internal/ledger"
	"verifyci/internal/logging"
)

// Run states
const (
	StateRunning  = "running"
	StateFinished = "finished"
)

// PushEvent is the body of POST /push
type PushEvent struct {
	Ref      string `json:"ref"`
	Commit   string `json:"commit,omitempty"`
	Dir      string `json:"dir"`
	Pipeline string `json:"pipeline,omitempty"`
}

// Run is the server's view of one triggered run
type Run struct {
	ID        string        `json:"id"`
	Pipeline  string        `json:"pipeline"`
	Ref       string        `json:"ref,omitempty"`
	Commit    string        `json:"commit,omitempty"`
	State     string        `json:"state"`
	Status    core.Status   `json:"status,omitempty"`
	Outcome   *core.Outcome `json:"outcome,omitempty"`
	Error     string        `json:"error,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// Options configure a Server
type Options struct {
	Runner     *core.Runner
	Ledger     *ledger.Ledger // nil disables GET /ledger/verify
	Submodules core.SubmoduleResolver
	KeepLogs   bool
}

// Server receives push events and runs pipelines against the pushed checkout.
// A push supersedes any run still in flight for the same ref.
type Server struct {
	mu          sync.Mutex
	pipelines   map[string]*core.Pipeline
	defaultName string // used by pushes that name no pipeline
	runs        map[string]*Run

	runner     *core.Runner
	ledger     *ledger.Ledger
	submodules core.SubmoduleResolver
	keepLogs   bool
	supervisor *core.Supervisor

	ctx    context.Context
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
	logger *slog.Logger
}

// ErrShutdown cancels in-flight runs when the server stops
var ErrShutdown = errors.New("server shutting down")

// New returns a server with the given pipeline registered as the default
func New(def *core.Pipeline, opts Options) *Server {
	if opts.Runner == nil {
		opts.Runner = core.NewRunner()
	}
	if opts.Submodules == nil {
		opts.Submodules = opts.Runner.Submodules
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	s := &Server{
		pipelines:  make(map[string]*core.Pipeline),
		runs:       make(map[string]*Run),
		runner:     opts.Runner,
		ledger:     opts.Ledger,
		submodules: opts.Submodules,
		keepLogs:   opts.KeepLogs,
		supervisor: core.NewSupervisor(),
		ctx:        ctx,
		cancel:     cancel,
		logger:     logging.New("server"),
	}
	if def != nil {
		s.defaultName = def.Name
		s.pipelines[def.Name] = def
	}
	return s
}

// Routes returns the server HTTP API
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	r.Route("/pipelines", func(r chi.Router) {
		r.Get("/", s.handleListPipelines)
		r.Post("/", s.handleSubmitPipeline)
		r.Get("/{name}", s.handleGetPipeline)
	})
	r.Post("/push", s.handlePush)
	r.Get("/runs", s.handleListRuns)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Get("/ledger/verify", s.handleVerifyLedger)
	return r
}

// Wait blocks until every started run has reported
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown cancels in-flight runs and waits for them to report
func (s *Server) Shutdown() {
	s.cancel(ErrShutdown)
	s.supervisor.CancelAll(ErrShutdown)
	s.wg.Wait()
}

// Run returns a snapshot of the run with the given id
func (s *Server) Run(id string) (Run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return Run{}, false
	}
	return *run, true
}

//=============================== pipelines ===============================//

// POST /pipelines -> register a pipeline YAML under its name
func (s *Server) handleSubmitPipeline(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "cannot read body", http.StatusBadRequest)
		return
	}
	p, err := core.ParsePipeline(data)
	if err != nil {
		http.Error(w, "invalid pipeline: "+err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	_, replaced := s.pipelines[p.Name]
	s.pipelines[p.Name] = p
	s.mu.Unlock()

	s.logger.Info("pipeline registered", "pipeline", p.Name, "stages", len(p.Stages), "replaced", replaced)
	writeJSON(w, http.StatusCreated, map[string]any{"name": p.Name, "stages": len(p.Stages)})
}

// GET /pipelines
func (s *Server) handleListPipelines(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	names := make([]string, 0, len(s.pipelines))
	for name := range s.pipelines {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	writeJSON(w, http.StatusOK, names)
}

// GET /pipelines/{name} -> definition as YAML
func (s *Server) handleGetPipeline(w http.ResponseWriter, r *http.Request) {
	p, ok := s.pipeline(chi.URLParam(r, "name"))
	if !ok {
		http.Error(w, "pipeline not found", http.StatusNotFound)
		return
	}
	data, err := core.MarshalPipeline(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}

func (s *Server) pipeline(name string) (*core.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name == "" {
		name = s.defaultName
	}
	p, ok := s.pipelines[name]
	return p, ok
}

//================================= runs =================================//

// POST /push -> start a run for the pushed checkout
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	var ev PushEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		http.Error(w, "bad push event: "+err.Error(), http.StatusBadRequest)
		return
	}
	if ev.Dir == "" {
		http.Error(w, "push event has no dir", http.StatusBadRequest)
		return
	}

	p, ok := s.pipeline(ev.Pipeline)
	if !ok {
		http.Error(w, fmt.Sprintf("pipeline %q not found", ev.Pipeline), http.StatusNotFound)
		return
	}

	c, err := core.OpenCheckout(r.Context(), ev.Dir, ev.Ref, s.submodules)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	// an event without a ref is filtered on the branch checked out in dir
	if !p.On.Matches(c.Ref) {
		s.logger.Info("push ignored", "pipeline", p.Name, "ref", c.Ref)
		writeJSON(w, http.StatusOK, map[string]string{"status": "skipped", "pipeline": p.Name, "ref": c.Ref})
		return
	}
	if ev.Commit != "" {
		c.Commit = ev.Commit
	}

	run := s.start(p, c)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "state": run.State})
}

// start registers the run with the supervisor before returning, so pushes
// for the same ref supersede each other in the order they were received.
func (s *Server) start(p *core.Pipeline, c *core.Checkout) Run {
	run := &Run{
		ID:        uuid.NewString(),
		Pipeline:  p.Name,
		Ref:       c.Ref,
		Commit:    c.Commit,
		State:     StateRunning,
		CreatedAt: time.Now().UTC(),
	}
	s.mu.Lock()
	s.runs[run.ID] = run
	snapshot := *run
	s.mu.Unlock()

	ctx, done := s.supervisor.Start(s.ctx, supervisorKey(c))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer done()
		s.execute(ctx, run, p, c)
	}()
	s.logger.Info("run started", "run", run.ID, "pipeline", p.Name, "ref", c.Ref, "commit", c.Commit)
	return snapshot
}

func (s *Server) execute(ctx context.Context, run *Run, p *core.Pipeline, c *core.Checkout) {
	outcome, err := s.runner.RunPipeline(ctx, p, c, core.WithRunID(run.ID))

	s.mu.Lock()
	run.State = StateFinished
	if err != nil {
		run.Status = core.StatusFail
		run.Error = err.Error()
	} else {
		run.Status = outcome.Status
		run.Outcome = outcome
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("run could not start", "run", run.ID, "error", err)
		return
	}
	if !s.keepLogs {
		if err := s.runner.Discard(outcome); err != nil {
			s.logger.Warn("cannot discard run logs", "run", run.ID, "error", err)
		}
	}
}

func supervisorKey(c *core.Checkout) string {
	if c.Ref != "" {
		return c.Ref
	}
	return c.Dir
}

// GET /runs
func (s *Server) handleListRuns(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	runs := make([]Run, 0, len(s.runs))
	for _, run := range s.runs {
		summary := *run
		summary.Outcome = nil
		runs = append(runs, summary)
	}
	s.mu.Unlock()

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })
	writeJSON(w, http.StatusOK, runs)
}

// GET /runs/{id}
func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.Run(chi.URLParam(r, "id"))
	if !ok {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

//================================ ledger ================================//

// GET /ledger/verify -> run VerifyChain
func (s *Server) handleVerifyLedger(w http.ResponseWriter, _ *http.Request) {
	if s.ledger == nil {
		http.Error(w, "ledger disabled", http.StatusNotFound)
		return
	}
	if err := s.ledger.VerifyChain(); err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"ok": false, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "records": s.ledger.NextIndex(), "head": s.ledger.LastHash()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
