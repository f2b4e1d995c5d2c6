package retry

import (
	"context"
	"time"

	"coverloop/internal/logging"
)

// FailureSnapshot is persisted for every failed attempt when snapshotting is on.
type FailureSnapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error"`
	Action    string    `json:"instructionOrAction"`
	SessionID string    `json:"sessionId"`
	State     string    `json:"state,omitempty"`
}

// StateCapturer grabs point-in-time backend state (e.g. an accessibility snapshot).
type StateCapturer interface {
	CaptureState(ctx context.Context) (string, error)
}

// SnapshotSink persists failure snapshots.
type SnapshotSink interface {
	SaveSnapshot(ctx context.Context, snap FailureSnapshot) error
}

type snapshotter struct {
	capturer  StateCapturer
	sink      SnapshotSink
	sessionID func() string
}

// WithFailureSnapshots enables snapshotting on every failed attempt.
// capturer may be nil, in which case only the error record is saved.
func WithFailureSnapshots(capturer StateCapturer, sink SnapshotSink, sessionID func() string) Option {
	return func(w *Wrapper) {
		if sink == nil {
			return
		}
		w.snapshots = &snapshotter{capturer: capturer, sink: sink, sessionID: sessionID}
	}
}

// capture never returns an error: a failing snapshot must not mask the action error.
func (s *snapshotter) capture(ctx context.Context, action string, actionErr error) {
	if s == nil {
		return
	}
	snap := FailureSnapshot{
		Timestamp: time.Now(),
		Error:     actionErr.Error(),
		Action:    action,
	}
	if s.sessionID != nil {
		snap.SessionID = s.sessionID()
	}
	if s.capturer != nil && !IsSessionLost(actionErr) {
		state, err := s.capturer.CaptureState(ctx)
		if err != nil {
			logging.Get(logging.CategoryRetry).Warn("failure snapshot capture for %s failed: %v", action, err)
		} else {
			snap.State = state
		}
	}
	if err := s.sink.SaveSnapshot(ctx, snap); err != nil {
		logging.Get(logging.CategoryRetry).Warn("failure snapshot save for %s failed: %v", action, err)
	}
}
