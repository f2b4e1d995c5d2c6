// Package artifacts persists screenshots, failure metadata, failure snapshots
// and the iteration history of a run.
package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"coverloop/internal/logging"
	"coverloop/internal/retry"
)

// FailureMetadata describes the first failing instruction of a test case.
type FailureMetadata struct {
	Iteration      int       `json:"iteration"`
	TestCaseID     string    `json:"testCaseId"`
	Instruction    string    `json:"instruction"`
	InstructionIdx int       `json:"instructionIndex"`
	Error          string    `json:"error"`
	Screenshot     string    `json:"screenshot,omitempty"`
	SessionID      string    `json:"sessionId,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Dir lays artifacts out under root as iteration_<n>/<testCaseId>/.
type Dir struct {
	root string
	// store mirrors snapshots into the history store when set.
	store *HistoryStore
}

// NewDir creates an artifact directory rooted at root.
func NewDir(root string) *Dir {
	return &Dir{root: root}
}

// WithStore mirrors failure snapshots into store.
func (d *Dir) WithStore(store *HistoryStore) *Dir {
	d.store = store
	return d
}

// Root returns the artifact root.
func (d *Dir) Root() string {
	return d.root
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeName(s string) string {
	s = unsafeChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unnamed"
	}
	return s
}

func (d *Dir) caseDir(iteration int, testCaseID string) string {
	return filepath.Join(d.root, fmt.Sprintf("iteration_%d", iteration), safeName(testCaseID))
}

// EnsureDir creates the directory for a test case.
func (d *Dir) EnsureDir(iteration int, testCaseID string) error {
	if err := os.MkdirAll(d.caseDir(iteration, testCaseID), 0755); err != nil {
		return fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return nil
}

// Path returns the file path for a labelled screenshot of a test case.
func (d *Dir) Path(iteration int, testCaseID, label string) string {
	return filepath.Join(d.caseDir(iteration, testCaseID), safeName(label)+".png")
}

// SaveScreenshot writes png bytes to path.
func (d *Dir) SaveScreenshot(path string, png []byte) error {
	if err := os.WriteFile(path, png, 0644); err != nil {
		return fmt.Errorf("failed to write screenshot: %w", err)
	}
	logging.Artifacts("screenshot saved: %s", path)
	return nil
}

// SaveMetadata writes metadata.json next to the screenshots of a test case.
func (d *Dir) SaveMetadata(iteration int, testCaseID string, meta FailureMetadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	path := filepath.Join(d.caseDir(iteration, testCaseID), "metadata.json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	return nil
}

// SaveSnapshot implements retry.SnapshotSink: one JSON file per failure under snapshots/.
func (d *Dir) SaveSnapshot(ctx context.Context, snap retry.FailureSnapshot) error {
	dir := filepath.Join(d.root, "snapshots")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	name := fmt.Sprintf("%s_%s.json", snap.Timestamp.Format("20060102T150405.000000000"), safeName(snap.Action))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if d.store != nil {
		if err := d.store.SaveSnapshot(ctx, snap); err != nil {
			logging.ArtifactsWarn("snapshot not mirrored to history store: %v", err)
		}
	}
	return nil
}

// Ensure Dir is usable as a snapshot sink.
var _ retry.SnapshotSink = (*Dir)(nil)
