// Package executor runs generated test cases instruction by instruction
// against a browser Driver.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"coverloop/internal/artifacts"
	"coverloop/internal/logging"
	"coverloop/internal/mcp"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

// Driver performs single browser actions.
type Driver interface {
	Perform(ctx context.Context, in types.Instruction) error
	Screenshot(ctx context.Context) ([]byte, error)
	CaptureState(ctx context.Context) (string, error)
}

// Artifacts is the screenshot/metadata collaborator.
type Artifacts interface {
	EnsureDir(iteration int, testCaseID string) error
	Path(iteration int, testCaseID, label string) string
	SaveScreenshot(path string, png []byte) error
	SaveMetadata(iteration int, testCaseID string, meta artifacts.FailureMetadata) error
}

// Outcome is the result of executing one test case.
type Outcome struct {
	Success    bool
	DurationMs int64
	Error      string
	// FailedStep is the index of the first failing instruction, -1 on success.
	FailedStep int
}

// AssertionError is an assert_* instruction whose expectation did not hold.
type AssertionError struct {
	Kind     types.InstructionKind
	Expected string
}

func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %q not found on page", e.Kind, e.Expected)
}

// Executor runs test cases fail-fast.
type Executor struct {
	driver    Driver
	wrapper   *retry.Wrapper
	artifacts Artifacts
	sessionID func() string
	now       func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithArtifacts saves a screenshot and metadata for the first failing instruction.
func WithArtifacts(a Artifacts) Option {
	return func(e *Executor) { e.artifacts = a }
}

// WithSessionID tags failure metadata with the backend session id.
func WithSessionID(fn func() string) Option {
	return func(e *Executor) { e.sessionID = fn }
}

// New creates an executor. Every instruction goes through wrapper.
func New(driver Driver, wrapper *retry.Wrapper, opts ...Option) *Executor {
	if wrapper == nil {
		wrapper = retry.New(retry.DefaultPolicy())
	}
	e := &Executor{driver: driver, wrapper: wrapper, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the instructions of tc in order and stops at the first failure.
// Validation problems are returned as errors before any backend call.
// Action failures yield a failing Outcome; transport-level failures that
// survive retry are returned as errors.
func (e *Executor) Execute(ctx context.Context, iteration int, tc types.TestCase) (Outcome, error) {
	if err := tc.Validate(); err != nil {
		return Outcome{FailedStep: -1}, err
	}
	for _, in := range tc.Instructions {
		if err := in.Validate(); err != nil {
			return Outcome{FailedStep: -1}, fmt.Errorf("test case %s: %w", tc.ID, err)
		}
	}

	start := e.now()
	elapsed := func() int64 { return e.now().Sub(start).Milliseconds() }

	for i, in := range tc.Instructions {
		in := in
		err := e.wrapper.Run(ctx, string(in.Kind), func(ctx context.Context) error {
			return e.driver.Perform(ctx, in)
		})
		if err == nil {
			continue
		}
		if mcp.IsTransportClass(err) || errors.Is(err, context.Canceled) {
			logging.ExecutorWarn("%s step %d aborted by transport failure: %v", tc.ID, i+1, err)
			return Outcome{DurationMs: elapsed(), Error: err.Error(), FailedStep: i}, err
		}

		logging.ExecutorWarn("%s failed at step %d (%s): %v", tc.ID, i+1, in, err)
		e.recordFailure(ctx, iteration, tc, i, in, err)
		return Outcome{DurationMs: elapsed(), Error: fmt.Sprintf("step %d (%s): %v", i+1, in.Kind, err), FailedStep: i}, nil
	}

	logging.Executor("%s passed (%d steps)", tc.ID, len(tc.Instructions))
	return Outcome{Success: true, DurationMs: elapsed(), FailedStep: -1}, nil
}

// recordFailure captures artifacts for the first failing instruction only.
// Artifact errors are logged and never change the outcome.
func (e *Executor) recordFailure(ctx context.Context, iteration int, tc types.TestCase, step int, in types.Instruction, cause error) {
	if e.artifacts == nil {
		return
	}
	if err := e.artifacts.EnsureDir(iteration, tc.ID); err != nil {
		logging.ExecutorWarn("artifact dir for %s: %v", tc.ID, err)
		return
	}

	meta := artifacts.FailureMetadata{
		Iteration:      iteration,
		TestCaseID:     tc.ID,
		Instruction:    in.String(),
		InstructionIdx: step,
		Error:          cause.Error(),
		Timestamp:      e.now(),
	}
	if e.sessionID != nil {
		meta.SessionID = e.sessionID()
	}

	path := e.artifacts.Path(iteration, tc.ID, fmt.Sprintf("failure_step_%d", step+1))
	if png, err := e.driver.Screenshot(ctx); err != nil {
		logging.ExecutorWarn("screenshot for %s: %v", tc.ID, err)
	} else if err := e.artifacts.SaveScreenshot(path, png); err != nil {
		logging.ExecutorWarn("save screenshot for %s: %v", tc.ID, err)
	} else {
		meta.Screenshot = path
	}

	if err := e.artifacts.SaveMetadata(iteration, tc.ID, meta); err != nil {
		logging.ExecutorWarn("metadata for %s: %v", tc.ID, err)
	}
}

// Reinitializer re-runs the backend handshake.
type Reinitializer interface {
	Reinitialize(ctx context.Context) (string, error)
}

// SessionRecovery returns a retry hook that re-handshakes after session loss.
func SessionRecovery(r Reinitializer) retry.BeforeRetryFunc {
	return func(ctx context.Context, err error) {
		if !retry.IsSessionLost(err) {
			return
		}
		logging.AuditFor(logging.CategorySession).SessionLost("", err)
		if _, rerr := r.Reinitialize(ctx); rerr != nil {
			logging.ExecutorWarn("re-handshake after session loss failed: %v", rerr)
		}
	}
}
