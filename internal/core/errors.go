package core

import (
	"errors"
	"fmt"
)

// Failure kinds reported in stage results
var (
	ErrFormatDivergence    = errors.New("formatting-divergence")
	ErrDocBuild            = errors.New("documentation-build-error")
	ErrLintViolation       = errors.New("lint-violation")
	ErrTestFailure         = errors.New("test-failure")
	ErrSubmoduleResolution = errors.New("submodule-resolution-error")
	ErrSuperseded          = errors.New("superseded")
	ErrCancelled           = errors.New("cancelled") // run interrupted for any other reason
)

var failureKinds = []error{
	ErrSubmoduleResolution,
	ErrSuperseded,
	ErrCancelled,
	ErrFormatDivergence,
	ErrDocBuild,
	ErrLintViolation,
	ErrTestFailure,
}

// KindError maps a stage kind to the failure it reports
func KindError(k Kind) error {
	switch k {
	case KindFormat:
		return ErrFormatDivergence
	case KindDocs:
		return ErrDocBuild
	case KindLint:
		return ErrLintViolation
	case KindTest:
		return ErrTestFailure
	}
	return fmt.Errorf("unknown stage kind %q", k)
}

// StageError is the failure of one stage: its kind plus the underlying cause
type StageError struct {
	Stage    string
	Kind     error
	ExitCode int
	Msg      string
	Err      error
}

func (e *StageError) Error() string {
	if e == nil {
		return ""
	}
	s := fmt.Sprintf("stage %s: %s", e.Stage, e.Kind)
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

func (e *StageError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// FailureKind returns the taxonomy name of err ("" for nil or unclassified errors)
func FailureKind(err error) string {
	if err == nil {
		return ""
	}
	for _, kind := range failureKinds {
		if errors.Is(err, kind) {
			return kind.Error()
		}
	}
	return ""
}
