package agent

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"verifyci/internal/core"
	"verifyci/internal/logging"
)

// JobResponse is the agent's answer for one step
type JobResponse struct {
	Stage    string `json:"stage"`
	Step     string `json:"step"`
	Status   string `json:"status"` // "success" or "error"
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
	Error    string `json:"error,omitempty"`
}

// Agent runs steps sent by a remote runner. The agent must see the same
// filesystem paths as the runner, since requests carry a working directory.
type Agent struct {
	executor core.StepRunner
	logger   *slog.Logger
}

func New(executor core.StepRunner) *Agent {
	return &Agent{executor: executor, logger: logging.New("agent")}
}

// Routes returns the agent HTTP API
func (a *Agent) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/run", a.handleRunJob)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte("ok"))
	})
	return r
}

// POST /run
func (a *Agent) handleRunJob(w http.ResponseWriter, r *http.Request) {
	var job core.StepRequest
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if job.Run == "" {
		http.Error(w, "missing run command", http.StatusBadRequest)
		return
	}

	a.logger.Info("running job", "stage", job.Stage, "step", job.Step, "dir", job.Dir)
	out, err := a.executor.RunStep(r.Context(), job)

	resp := JobResponse{
		Stage:    job.Stage,
		Step:     job.Step,
		Status:   "success",
		ExitCode: out.ExitCode,
		Output:   out.Output,
	}
	if err != nil {
		resp.Status = "error"
		resp.Error = err.Error()
		a.logger.Warn("job failed", "stage", job.Stage, "step", job.Step, "exit_code", out.ExitCode, "error", err)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
