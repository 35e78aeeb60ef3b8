package core

import (
	"encoding/json"
	"time"
)

// Status is the pass/fail verdict of a stage or a whole run
type Status string

const (
	StatusPass Status = "pass"
	StatusFail Status = "fail"
)

// StageResult is produced exactly once per stage per run
type StageResult struct {
	Stage    string
	Kind     Kind
	Status   Status
	Err      error
	ExitCode int
	Output   string
	LogPath  string
	LogHash  string
	Duration time.Duration
}

// Passed reports whether the stage passed
func (r StageResult) Passed() bool { return r.Status == StatusPass }

func (r StageResult) MarshalJSON() ([]byte, error) {
	view := struct {
		Stage      string `json:"stage"`
		Kind       Kind   `json:"kind"`
		Status     Status `json:"status"`
		ErrorKind  string `json:"error_kind,omitempty"`
		Error      string `json:"error,omitempty"`
		ExitCode   int    `json:"exit_code"`
		Output     string `json:"output,omitempty"`
		LogPath    string `json:"log_path,omitempty"`
		DurationMS int64  `json:"duration_ms"`
	}{
		Stage:      r.Stage,
		Kind:       r.Kind,
		Status:     r.Status,
		ErrorKind:  FailureKind(r.Err),
		ExitCode:   r.ExitCode,
		Output:     r.Output,
		LogPath:    r.LogPath,
		DurationMS: r.Duration.Milliseconds(),
	}
	if r.Err != nil {
		view.Error = r.Err.Error()
	}
	return json.Marshal(view)
}

// Outcome is the aggregate of one run: pass only when every stage passed
type Outcome struct {
	RunID      string        `json:"run_id"`
	Pipeline   string        `json:"pipeline"`
	Checkout   Checkout      `json:"checkout"`
	Results    []StageResult `json:"results"`
	Status     Status        `json:"status"`
	Superseded bool          `json:"superseded,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Passed reports whether the run passed
func (o *Outcome) Passed() bool { return o.Status == StatusPass }

// Failed returns the failing stage results in definition order
func (o *Outcome) Failed() []StageResult {
	var failed []StageResult
	for _, r := range o.Results {
		if !r.Passed() {
			failed = append(failed, r)
		}
	}
	return failed
}

// Result returns the result of the named stage
func (o *Outcome) Result(stage string) (StageResult, bool) {
	for _, r := range o.Results {
		if r.Stage == stage {
			return r, true
		}
	}
	return StageResult{}, false
}

// aggregate is the logical AND of the stage results; an empty run never passes
func aggregate(results []StageResult) Status {
	if len(results) == 0 {
		return StatusFail
	}
	for _, r := range results {
		if !r.Passed() {
			return StatusFail
		}
	}
	return StatusPass
}
