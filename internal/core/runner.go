package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"verifyci/internal/ledger"
	"verifyci/internal/logging"
	"verifyci/internal/storage"
	"verifyci/pkg/utils"
)

// Runner ties together Scheduler + Executor + isolation + storage + ledger
type Runner struct {
	Scheduler  *Scheduler
	Executor   StepRunner
	Isolator   Isolator // nil: chosen from the pipeline's isolation setting
	Submodules SubmoduleResolver
	LogStorage *storage.LogStorage // nil: stage logs are not written
	Ledger     *ledger.Ledger      // nil: results are not recorded
	AgentID    string              // identifies who executed the stages in ledger records
	TempDir    string              // parent of per-stage workspaces
	Out        io.Writer           // human progress output
	Logger     *slog.Logger

	outMu sync.Mutex
}

func NewRunner() *Runner {
	return &Runner{
		Scheduler:  NewScheduler(),
		Executor:   NewExecutor(),
		Submodules: NewGitSubmodules(),
		AgentID:    "local-agent",
		Out:        io.Discard,
	}
}

type runConfig struct {
	runID string
	only  []string
}

// RunOption customizes a single run
type RunOption func(*runConfig)

// WithRunID sets the run identifier instead of generating one
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithStages restricts the run to stages selected by name or kind
func WithStages(names ...string) RunOption {
	return func(c *runConfig) { c.only = append(c.only, names...) }
}

func newRunConfig(opts []RunOption) runConfig {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}
	return cfg
}

// RunPipeline executes the planned stages concurrently and aggregates the
// outcome. Stage failures are reported in the outcome; the error is reserved
// for a run that cannot start (bad pipeline, checkout or selection).
func (r *Runner) RunPipeline(ctx context.Context, p *Pipeline, c *Checkout, opts ...RunOption) (*Outcome, error) {
	if p == nil {
		return nil, errors.New("run pipeline: nil pipeline")
	}
	if c == nil || c.Dir == "" {
		return nil, errors.New("run pipeline: checkout has no directory")
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("run pipeline: %w", err)
	}

	cfg := newRunConfig(opts)
	stages, err := r.Scheduler.Plan(p, cfg.only)
	if err != nil {
		return nil, err
	}
	limit := r.Scheduler.Limit(p, len(stages))

	outcome := &Outcome{
		RunID:     cfg.runID,
		Pipeline:  p.Name,
		Checkout:  *c,
		StartedAt: time.Now().UTC(),
	}
	r.printf("Starting pipeline %s (run %s) on %s\n", p.Name, cfg.runID, describeCheckout(c))
	r.log().Info("pipeline started", "run", cfg.runID, "pipeline", p.Name, "stages", len(stages), "parallel", limit, "commit", c.Commit)

	// each stage writes only its own slot; errors are captured in the results
	results := make([]StageResult, len(stages))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, st := range stages {
		g.Go(func() error {
			results[i] = r.runStage(gctx, p, st, c, cfg.runID)
			return nil
		})
	}
	_ = g.Wait()

	outcome.Results = results
	outcome.Status = aggregate(results)
	for _, res := range results {
		if errors.Is(res.Err, ErrSuperseded) {
			outcome.Superseded = true
		}
	}
	outcome.FinishedAt = time.Now().UTC()

	r.recordOutcome(outcome)
	r.printSummary(outcome)
	r.log().Info("pipeline finished", "run", cfg.runID, "status", outcome.Status,
		"failed", len(outcome.Failed()), "superseded", outcome.Superseded,
		"duration", outcome.FinishedAt.Sub(outcome.StartedAt))
	return outcome, nil
}

// RunStage runs a single stage of p against the checkout
func (r *Runner) RunStage(ctx context.Context, p *Pipeline, st Stage, c *Checkout, opts ...RunOption) StageResult {
	cfg := newRunConfig(opts)
	return r.runStage(ctx, p, st, c, cfg.runID)
}

// RunFormatCheck runs the pipeline's format stage
func (r *Runner) RunFormatCheck(ctx context.Context, p *Pipeline, c *Checkout, opts ...RunOption) StageResult {
	return r.runKind(ctx, p, c, KindFormat, opts)
}

// RunDocBuild runs the pipeline's documentation stage
func (r *Runner) RunDocBuild(ctx context.Context, p *Pipeline, c *Checkout, opts ...RunOption) StageResult {
	return r.runKind(ctx, p, c, KindDocs, opts)
}

// RunLintCheck runs the pipeline's lint stage
func (r *Runner) RunLintCheck(ctx context.Context, p *Pipeline, c *Checkout, opts ...RunOption) StageResult {
	return r.runKind(ctx, p, c, KindLint, opts)
}

// RunTests initializes submodules and runs the pipeline's test stage
func (r *Runner) RunTests(ctx context.Context, p *Pipeline, c *Checkout, opts ...RunOption) StageResult {
	return r.runKind(ctx, p, c, KindTest, opts)
}

func (r *Runner) runKind(ctx context.Context, p *Pipeline, c *Checkout, k Kind, opts []RunOption) StageResult {
	st, ok := p.StageByKind(k)
	if !ok {
		return StageResult{
			Stage:    string(k),
			Kind:     k,
			Status:   StatusFail,
			ExitCode: -1,
			Err:      &StageError{Stage: string(k), Kind: KindError(k), ExitCode: -1, Msg: "pipeline defines no such stage"},
		}
	}
	return r.RunStage(ctx, p, st, c, opts...)
}

// Discard removes the artifacts a reported run left behind
func (r *Runner) Discard(o *Outcome) error {
	if r.LogStorage == nil || o == nil {
		return nil
	}
	return r.LogStorage.Purge(o.RunID)
}

func (r *Runner) runStage(ctx context.Context, p *Pipeline, st Stage, c *Checkout, runID string) StageResult {
	start := time.Now()
	log := r.log().With("run", runID, "stage", st.Name, "kind", st.Kind)
	r.printf("==> Stage %s (%s)\n", st.Name, st.Kind)
	log.Debug("stage started")

	var out strings.Builder
	code, err := r.execStage(ctx, p, st, c, &out)

	res := StageResult{
		Stage:    st.Name,
		Kind:     st.Kind,
		Status:   StatusPass,
		ExitCode: code,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		res.Status = StatusFail
		res.Err = err
	}
	res.LogHash = utils.HashString(res.Output)

	if r.LogStorage != nil {
		logPath, logErr := r.LogStorage.SaveLog(runID, st.Name, res.Output)
		if logErr != nil {
			log.Warn("cannot save stage log", "error", logErr)
		} else {
			res.LogPath = logPath
		}
	}
	r.recordStage(runID, c, res)

	if res.Passed() {
		r.printf("  ✔ Stage %s passed (%s)\n", st.Name, res.Duration.Round(time.Millisecond))
		log.Info("stage passed", "duration", res.Duration)
	} else {
		r.printf("  ✘ Stage %s failed: %v\n", st.Name, res.Err)
		log.Warn("stage failed", "error_kind", FailureKind(res.Err), "exit_code", res.ExitCode, "error", res.Err)
	}
	return res
}

func (r *Runner) execStage(ctx context.Context, p *Pipeline, st Stage, c *Checkout, out *strings.Builder) (int, error) {
	kind := KindError(st.Kind)
	if ctx.Err() != nil {
		return -1, stageErr(ctx, st, kind, -1, "not started", context.Cause(ctx))
	}

	isolator := r.Isolator
	if isolator == nil {
		isolator = NewIsolator(p, r.TempDir)
	}
	dir, cleanup, err := isolator.Prepare(ctx, c.Dir, st.Name)
	if err != nil {
		return -1, stageErr(ctx, st, kind, -1, "prepare workspace", err)
	}
	defer cleanup()

	if st.NeedsSubmodules() {
		if code, err := r.resolveSubmodules(ctx, p, st, dir, out); err != nil {
			return code, err
		}
	}

	var skip []string
	var before string
	if st.CheckOnly {
		skip = r.fingerprintSkip(ctx, p, dir)
		if before, err = utils.HashTree(dir, skip...); err != nil {
			return -1, stageErr(ctx, st, kind, -1, "fingerprint workspace", err)
		}
	}

	for _, step := range st.Steps {
		fmt.Fprintf(out, "$ %s\n", step.Run)
		so, err := r.Executor.RunStep(ctx, StepRequest{
			Stage:   st.Name,
			Step:    step.Label(),
			Run:     step.Run,
			Dir:     dir,
			Env:     st.Env,
			Timeout: st.Timeout,
		})
		out.WriteString(so.Output)
		if err != nil {
			return so.ExitCode, stageErr(ctx, st, kind, so.ExitCode, "", err)
		}
	}

	if st.CheckOnly {
		after, err := utils.HashTree(dir, skip...)
		if err != nil {
			return -1, stageErr(ctx, st, kind, -1, "fingerprint workspace", err)
		}
		if after != before {
			return 0, stageErr(ctx, st, kind, 0, "check-only stage modified the checkout", nil)
		}
	}
	return 0, nil
}

// resolveSubmodules is the explicit precondition of stages that need
// submodules: run the init command, then confirm every submodule resolved.
func (r *Runner) resolveSubmodules(ctx context.Context, p *Pipeline, st Stage, dir string, out *strings.Builder) (int, error) {
	if r.Submodules == nil {
		return -1, stageErr(ctx, st, ErrSubmoduleResolution, -1, "no submodule resolver configured", nil)
	}
	state, err := r.Submodules.Status(ctx, dir)
	if err != nil {
		return -1, stageErr(ctx, st, ErrSubmoduleResolution, -1, "inspect submodules", err)
	}
	if !state.Declared {
		out.WriteString("# no submodules declared\n")
		return 0, nil
	}

	fmt.Fprintf(out, "$ %s\n", p.Submodules.Init)
	so, err := r.Executor.RunStep(ctx, StepRequest{
		Stage:   st.Name,
		Step:    "submodules",
		Run:     p.Submodules.Init,
		Dir:     dir,
		Env:     st.Env,
		Timeout: p.Submodules.Timeout,
	})
	out.WriteString(so.Output)
	if err != nil {
		return so.ExitCode, stageErr(ctx, st, ErrSubmoduleResolution, so.ExitCode, "initialize submodules", err)
	}

	state, err = r.Submodules.Status(ctx, dir)
	if err != nil {
		return -1, stageErr(ctx, st, ErrSubmoduleResolution, -1, "inspect submodules", err)
	}
	if !state.Resolved() {
		msg := "unresolved submodules: " + strings.Join(state.Unresolved, ", ")
		return -1, stageErr(ctx, st, ErrSubmoduleResolution, -1, msg, nil)
	}
	return 0, nil
}

// fingerprintSkip lists paths a check-only stage may legitimately touch
func (r *Runner) fingerprintSkip(ctx context.Context, p *Pipeline, dir string) []string {
	skip := append([]string{".git"}, p.Exclude...)
	if r.Submodules != nil {
		if state, err := r.Submodules.Status(ctx, dir); err == nil {
			skip = append(skip, state.Paths...)
		}
	}
	return skip
}

// stageErr classifies a failure; an interrupted run overrides the stage kind
func stageErr(ctx context.Context, st Stage, kind error, code int, msg string, err error) error {
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrSuperseded):
		kind = ErrSuperseded
	case cause != nil:
		kind = ErrCancelled
	}
	return &StageError{Stage: st.Name, Kind: kind, ExitCode: code, Msg: msg, Err: err}
}

func (r *Runner) recordStage(runID string, c *Checkout, res StageResult) {
	if r.Ledger == nil {
		return
	}
	rec, err := r.Ledger.Append(ledger.Entry{
		RunID:     runID,
		Ref:       c.Ref,
		Commit:    c.Commit,
		Stage:     res.Stage,
		Status:    string(res.Status),
		ErrorKind: FailureKind(res.Err),
		LogHash:   res.LogHash,
		AgentID:   r.AgentID,
	})
	if err != nil {
		r.log().Warn("cannot append stage record", "run", runID, "stage", res.Stage, "error", err)
		return
	}
	r.log().Debug("ledger record appended", "index", rec.Index, "hash", rec.Hash[:16])
}

func (r *Runner) recordOutcome(o *Outcome) {
	if r.Ledger == nil {
		return
	}
	kind := ""
	if o.Superseded {
		kind = ErrSuperseded.Error()
	}
	if _, err := r.Ledger.Append(ledger.Entry{
		RunID:     o.RunID,
		Ref:       o.Checkout.Ref,
		Commit:    o.Checkout.Commit,
		Status:    string(o.Status),
		ErrorKind: kind,
		AgentID:   r.AgentID,
	}); err != nil {
		r.log().Warn("cannot append outcome record", "run", o.RunID, "error", err)
	}
}

func (r *Runner) printSummary(o *Outcome) {
	if o.Passed() {
		r.printf("\nPipeline %s passed (%d stages)\n", o.Pipeline, len(o.Results))
		return
	}
	r.printf("\nPipeline %s FAILED (%d of %d stages failed)\n", o.Pipeline, len(o.Failed()), len(o.Results))
}

func (r *Runner) printf(format string, args ...any) {
	if r.Out == nil {
		return
	}
	r.outMu.Lock()
	defer r.outMu.Unlock()
	fmt.Fprintf(r.Out, format, args...)
}

func (r *Runner) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return logging.New("runner")
}

func describeCheckout(c *Checkout) string {
	s := c.Dir
	if c.Ref != "" {
		s += " @ " + c.Ref
	}
	if len(c.Commit) >= 12 {
		s += " (" + c.Commit[:12] + ")"
	} else if c.Commit != "" {
		s += " (" + c.Commit + ")"
	}
	return s
}
