// Package report writes the final run report as JSON, Markdown and HTML.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/glamour"

	"coverloop/internal/logging"
	"coverloop/internal/types"
)

// SessionMeta describes the run a report belongs to.
type SessionMeta struct {
	RunID      string    `json:"runId"`
	SessionID  string    `json:"sessionId,omitempty"`
	URL        string    `json:"url,omitempty"`
	Backend    string    `json:"backend,omitempty"`
	Iterations int       `json:"iterations"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	ExitReason string    `json:"exitReason,omitempty"`
}

// Request is everything the controller hands over at the end of a run.
type Request struct {
	Results     []types.ExecutionResult
	Coverage    types.CoverageSnapshot
	SessionMeta SessionMeta
}

// Paths lists the written report files.
type Paths struct {
	JSON     string `json:"json"`
	Markdown string `json:"markdown"`
	HTML     string `json:"html"`
}

// Report is the JSON document on disk.
type Report struct {
	GeneratedAt time.Time               `json:"generatedAt"`
	Session     SessionMeta             `json:"session"`
	Coverage    types.CoverageSnapshot  `json:"coverage"`
	Results     []types.ExecutionResult `json:"results"`
}

// Writer saves reports under a directory.
type Writer struct {
	dir string
	now func() time.Time
}

// NewWriter creates a writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{dir: dir, now: time.Now}
}

// Save writes report.json, report.md and report.html.
func (w *Writer) Save(ctx context.Context, req Request) (Paths, error) {
	if err := ctx.Err(); err != nil {
		return Paths{}, err
	}
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return Paths{}, fmt.Errorf("failed to create report dir: %w", err)
	}

	rep := Report{
		GeneratedAt: w.now(),
		Session:     req.SessionMeta,
		Coverage:    req.Coverage,
		Results:     req.Results,
	}
	if rep.Results == nil {
		rep.Results = []types.ExecutionResult{}
	}

	paths := Paths{
		JSON:     filepath.Join(w.dir, "report.json"),
		Markdown: filepath.Join(w.dir, "report.md"),
		HTML:     filepath.Join(w.dir, "report.html"),
	}

	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return Paths{}, fmt.Errorf("failed to marshal report: %w", err)
	}
	if err := os.WriteFile(paths.JSON, data, 0644); err != nil {
		return Paths{}, fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.WriteFile(paths.Markdown, []byte(Markdown(rep)), 0644); err != nil {
		return Paths{}, fmt.Errorf("failed to write markdown report: %w", err)
	}
	html, err := HTML(rep)
	if err != nil {
		return Paths{}, err
	}
	if err := os.WriteFile(paths.HTML, html, 0644); err != nil {
		return Paths{}, fmt.Errorf("failed to write html report: %w", err)
	}

	logging.Get(logging.CategoryReport).Info("report saved: %s (%d results, %.2f%% coverage)",
		paths.JSON, len(rep.Results), rep.Coverage.Percentage)
	return paths, nil
}

// Load reads a JSON report written by Save.
func Load(path string) (Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read report: %w", err)
	}
	var rep Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return Report{}, fmt.Errorf("failed to parse report: %w", err)
	}
	return rep, nil
}

// Markdown renders the report as a Markdown document.
func Markdown(rep Report) string {
	var b strings.Builder
	b.WriteString("# Test Coverage Report\n\n")
	if rep.Session.URL != "" {
		fmt.Fprintf(&b, "Target: %s  \n", rep.Session.URL)
	}
	fmt.Fprintf(&b, "Run: `%s`  \nIterations: %d  \n", rep.Session.RunID, rep.Session.Iterations)
	if rep.Session.ExitReason != "" {
		fmt.Fprintf(&b, "Exit: %s  \n", rep.Session.ExitReason)
	}

	c := rep.Coverage
	b.WriteString("\n## Coverage\n\n")
	fmt.Fprintf(&b, "- Aspects tested: %d / %d (%.2f%%)\n", len(c.TestedAspectIDs), c.TotalAspects, c.Percentage)
	fmt.Fprintf(&b, "- Untested: %s\n", joinInts(c.UntestedAspectIDs))
	fmt.Fprintf(&b, "- Test cases: %d total, %d passed, %d failed (%.2f%% pass rate)\n",
		c.Stats.Total, c.Stats.Passed, c.Stats.Failed, c.Stats.PassRate)

	b.WriteString("\n## Results\n\n")
	if len(rep.Results) == 0 {
		b.WriteString("No test cases were executed.\n")
		return b.String()
	}
	b.WriteString("| Test case | Aspect | Status | Duration | Error |\n|---|---|---|---|---|\n")
	for _, r := range rep.Results {
		fmt.Fprintf(&b, "| %s | %s | %s | %dms | %s |\n",
			r.TestCaseID, aspectLabel(r.AspectID), status(r), r.DurationMs, escapeCell(r.Error))
	}
	return b.String()
}

var htmlTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"aspect": aspectLabel,
	"status": status,
	"ints":   joinInts,
}).Parse(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Test Coverage Report</title>
<style>body{font-family:sans-serif;margin:2em}table{border-collapse:collapse}td,th{border:1px solid #ccc;padding:4px 8px}.failed{color:#b00}.passed{color:#070}</style>
</head><body>
<h1>Test Coverage Report</h1>
<p>Run <code>{{.Session.RunID}}</code>{{if .Session.URL}} against {{.Session.URL}}{{end}}, {{.Session.Iterations}} iteration(s).</p>
<h2>Coverage</h2>
<p>{{len .Coverage.TestedAspectIDs}} / {{.Coverage.TotalAspects}} aspects ({{printf "%.2f" .Coverage.Percentage}}%). Untested: {{ints .Coverage.UntestedAspectIDs}}.</p>
<p>{{.Coverage.Stats.Passed}} passed, {{.Coverage.Stats.Failed}} failed of {{.Coverage.Stats.Total}}.</p>
<h2>Results</h2>
<table><tr><th>Test case</th><th>Aspect</th><th>Status</th><th>Duration</th><th>Error</th></tr>
{{range .Results}}<tr><td>{{.TestCaseID}}</td><td>{{aspect .AspectID}}</td><td class="{{status .}}">{{status .}}</td><td>{{.DurationMs}}ms</td><td>{{.Error}}</td></tr>
{{end}}</table>
</body></html>
`))

// HTML renders the report as a standalone HTML page.
func HTML(rep Report) ([]byte, error) {
	var buf bytes.Buffer
	if err := htmlTemplate.Execute(&buf, rep); err != nil {
		return nil, fmt.Errorf("failed to render html report: %w", err)
	}
	return buf.Bytes(), nil
}

// RenderTerminal renders the Markdown report for a terminal of the given width.
func RenderTerminal(rep Report, width int) (string, error) {
	if width <= 0 {
		width = 80
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return "", fmt.Errorf("failed to create renderer: %w", err)
	}
	return r.Render(Markdown(rep))
}

func status(r types.ExecutionResult) string {
	if r.Success {
		return "passed"
	}
	return "failed"
}

func aspectLabel(id *int) string {
	if id == nil {
		return "-"
	}
	return fmt.Sprint(*id)
}

func joinInts(ids []int) string {
	if len(ids) == 0 {
		return "none"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ", ")
}

func escapeCell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}
