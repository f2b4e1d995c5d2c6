package report

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coverloop/internal/types"
)

func sampleRequest() Request {
	return Request{
		Results: []types.ExecutionResult{
			{TestCaseID: "TC-1", AspectID: types.IntPtr(1), Success: true, DurationMs: 120},
			{TestCaseID: "TC-2", AspectID: types.IntPtr(4), Success: false, DurationMs: 80, Error: "step 2 (click): element | missing"},
			{TestCaseID: "TC-3", Success: true},
		},
		Coverage: types.CoverageSnapshot{
			TotalAspects:      4,
			TestedAspectIDs:   []int{1, 4},
			UntestedAspectIDs: []int{2, 3},
			Percentage:        50,
			Stats:             types.TestCaseStats{Total: 3, Passed: 2, Failed: 1, PassRate: 66.67},
		},
		SessionMeta: SessionMeta{RunID: "run-1", URL: "https://shop.example.com", Iterations: 2},
	}
}

func TestSaveWritesAllFormats(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "reports")
	w := NewWriter(dir)
	w.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	req := sampleRequest()
	paths, err := w.Save(context.Background(), req)
	require.NoError(t, err)

	for _, p := range []string{paths.JSON, paths.Markdown, paths.HTML} {
		info, err := os.Stat(p)
		require.NoError(t, err)
		assert.Greater(t, info.Size(), int64(0))
	}

	rep, err := Load(paths.JSON)
	require.NoError(t, err)
	if diff := cmp.Diff(req.Results, rep.Results); diff != "" {
		t.Errorf("results round trip mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, req.Coverage, rep.Coverage)
	assert.Equal(t, "run-1", rep.Session.RunID)

	md, err := os.ReadFile(paths.Markdown)
	require.NoError(t, err)
	assert.Contains(t, string(md), "Aspects tested: 2 / 4 (50.00%)")
	assert.Contains(t, string(md), `element \| missing`)

	html, err := os.ReadFile(paths.HTML)
	require.NoError(t, err)
	assert.Contains(t, string(html), `<td class="failed">failed</td>`)
}

func TestSaveEmptyRun(t *testing.T) {
	w := NewWriter(t.TempDir())
	paths, err := w.Save(context.Background(), Request{})
	require.NoError(t, err)

	rep, err := Load(paths.JSON)
	require.NoError(t, err)
	assert.Empty(t, rep.Results)
	assert.Contains(t, Markdown(rep), "No test cases were executed.")
}

func TestSaveHonorsCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewWriter(t.TempDir()).Save(ctx, Request{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHTMLEscapesErrors(t *testing.T) {
	rep := Report{Results: []types.ExecutionResult{{TestCaseID: "x", Error: "<script>alert(1)</script>"}}}
	out, err := HTML(rep)
	require.NoError(t, err)
	assert.False(t, strings.Contains(string(out), "<script>alert"))
}

func TestRenderTerminal(t *testing.T) {
	req := sampleRequest()
	out, err := RenderTerminal(Report{Session: req.SessionMeta, Coverage: req.Coverage, Results: req.Results}, 100)
	require.NoError(t, err)
	assert.Contains(t, out, "TC-2")
}

func TestLoadMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}
