package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES
// =============================================================================

// AuditEventType names one kind of audit record.
type AuditEventType string

const (
	// Run lifecycle
	AuditRunStart AuditEventType = "run_start"
	AuditRunEnd   AuditEventType = "run_end"

	// Backend session lifecycle
	AuditSessionStart AuditEventType = "session_start"
	AuditSessionLost  AuditEventType = "session_lost"
	AuditSessionEnd   AuditEventType = "session_end"

	// Controller
	AuditIteration  AuditEventType = "iteration_complete"
	AuditMenuChoice AuditEventType = "menu_choice"
	AuditTransition AuditEventType = "state_transition"

	// Repair of failing test cases
	AuditQuickFix AuditEventType = "quick_fix"
	AuditHeal     AuditEventType = "heal"

	AuditError AuditEventType = "error"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent is one line of the audit trail.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"` // Unix milliseconds
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat,omitempty"`
	RunID      string                 `json:"run,omitempty"`
	SessionID  string                 `json:"session,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile  *os.File
	auditMu    sync.Mutex
	auditRunID string
)

// AuditLogger writes audit events, optionally scoped to a category.
type AuditLogger struct {
	category Category
}

// InitAudit opens <logs>/audit.jsonl and tags every later event with runID.
// It is a no-op unless debug mode is on.
func InitAudit(runID string) error {
	if !IsDebugMode() {
		return nil
	}

	loggersMu.RLock()
	dir := logsDir
	loggersMu.RUnlock()
	if dir == "" {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	auditRunID = runID
	if auditFile != nil {
		return nil // Already initialized
	}

	file, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file
	return nil
}

// CloseAudit closes the audit log file.
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
	auditRunID = ""
}

// Audit returns an unscoped audit logger.
func Audit() *AuditLogger {
	return &AuditLogger{}
}

// AuditFor returns an audit logger that stamps events with category.
func AuditFor(category Category) *AuditLogger {
	return &AuditLogger{category: category}
}

// Log writes one event. Missing timestamp, run id and category are filled in.
func (a *AuditLogger) Log(event AuditEvent) {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile == nil {
		return
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.RunID == "" {
		event.RunID = auditRunID
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.Write(append(data, '\n'))
	}
}

// =============================================================================
// CONVENIENCE METHODS FOR COMMON EVENTS
// =============================================================================

// RunStart records the start of a run against url.
func (a *AuditLogger) RunStart(url, backend string) {
	a.Log(AuditEvent{
		EventType: AuditRunStart,
		Target:    url,
		Action:    backend,
		Success:   true,
		Message:   fmt.Sprintf("Run started against %s (%s)", url, backend),
	})
}

// RunEnd records how a run finished.
func (a *AuditLogger) RunEnd(reason string, iterations int, coverage float64, durationMs int64, err error) {
	e := AuditEvent{
		EventType:  AuditRunEnd,
		Success:    err == nil,
		DurationMs: durationMs,
		Message:    reason,
		Fields: map[string]interface{}{
			"iterations": iterations,
			"coverage":   coverage,
		},
	}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}

// SessionStart records a completed handshake.
func (a *AuditLogger) SessionStart(sessionID string, durationMs int64) {
	a.Log(AuditEvent{
		EventType:  AuditSessionStart,
		SessionID:  sessionID,
		Success:    true,
		DurationMs: durationMs,
	})
}

// SessionLost records a session-loss error that triggers a re-handshake.
func (a *AuditLogger) SessionLost(sessionID string, cause error) {
	a.Log(AuditEvent{
		EventType: AuditSessionLost,
		SessionID: sessionID,
		Success:   false,
		Error:     cause.Error(),
	})
}

// SessionEnd records the teardown of a session.
func (a *AuditLogger) SessionEnd(sessionID string, err error) {
	e := AuditEvent{EventType: AuditSessionEnd, SessionID: sessionID, Success: err == nil}
	if err != nil {
		e.Error = err.Error()
	}
	a.Log(e)
}

// Iteration records one appended iteration record.
func (a *AuditLogger) Iteration(iteration int, kind string, passed, failed int, coverage float64) {
	a.Log(AuditEvent{
		EventType: AuditIteration,
		Action:    kind,
		Success:   failed == 0,
		Message:   fmt.Sprintf("Iteration %d (%s): %d passed, %d failed, coverage %.2f%%", iteration, kind, passed, failed, coverage),
		Fields: map[string]interface{}{
			"iteration": iteration,
			"passed":    passed,
			"failed":    failed,
			"coverage":  coverage,
		},
	})
}

// MenuChoice records one raw menu input and how it was classified.
func (a *AuditLogger) MenuChoice(input, action string) {
	a.Log(AuditEvent{
		EventType: AuditMenuChoice,
		Target:    input,
		Action:    action,
		Success:   action != "invalid",
	})
}

// Transition records a controller state change.
func (a *AuditLogger) Transition(from, to, reason string) {
	a.Log(AuditEvent{
		EventType: AuditTransition,
		Target:    to,
		Action:    from,
		Success:   true,
		Message:   reason,
	})
}

// Repair records a quick-fix rerun or a heal attempt for a test case.
func (a *AuditLogger) Repair(kind AuditEventType, testCaseID string, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType: kind,
		Target:    testCaseID,
		Success:   success,
		Error:     errMsg,
	})
}

// Error records a failure that ended or degraded the run.
func (a *AuditLogger) Error(err error, critical bool) {
	a.Log(AuditEvent{
		EventType: AuditError,
		Success:   false,
		Error:     err.Error(),
		Fields:    map[string]interface{}{"critical": critical},
	})
}
