package executor

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coverloop/internal/artifacts"
	"coverloop/internal/mcp"
	"coverloop/internal/retry"
	"coverloop/internal/types"
)

type fakeDriver struct {
	performed []types.Instruction
	failOn    map[int]error
	shots     int
}

func (f *fakeDriver) Perform(ctx context.Context, in types.Instruction) error {
	idx := len(f.performed)
	f.performed = append(f.performed, in)
	return f.failOn[idx]
}

func (f *fakeDriver) Screenshot(ctx context.Context) ([]byte, error) {
	f.shots++
	return []byte("png"), nil
}

func (f *fakeDriver) CaptureState(ctx context.Context) (string, error) { return "", nil }

type fakeArtifacts struct {
	dirs  []string
	paths []string
	metas []artifacts.FailureMetadata
}

func (f *fakeArtifacts) EnsureDir(iteration int, id string) error {
	f.dirs = append(f.dirs, id)
	return nil
}

func (f *fakeArtifacts) Path(iteration int, id, label string) string {
	p := id + "/" + label + ".png"
	f.paths = append(f.paths, p)
	return p
}

func (f *fakeArtifacts) SaveScreenshot(path string, png []byte) error { return nil }

func (f *fakeArtifacts) SaveMetadata(iteration int, id string, meta artifacts.FailureMetadata) error {
	f.metas = append(f.metas, meta)
	return nil
}

func mustInstr(t *testing.T, kind types.InstructionKind, target, value string) types.Instruction {
	t.Helper()
	in, err := types.NewInstruction(kind, target, value)
	require.NoError(t, err)
	return in
}

func loginCase(t *testing.T) types.TestCase {
	return types.TestCase{
		ID:       "TC-login",
		AspectID: types.IntPtr(3),
		Instructions: []types.Instruction{
			mustInstr(t, types.KindNavigate, "", "/login"),
			mustInstr(t, types.KindType, "e4", "alice"),
			mustInstr(t, types.KindClick, "e7", ""),
			mustInstr(t, types.KindAssertText, "", "Welcome"),
		},
	}
}

func TestExecuteSuccess(t *testing.T) {
	d := &fakeDriver{}
	ex := New(d, nil)

	out, err := ex.Execute(context.Background(), 1, loginCase(t))
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, -1, out.FailedStep)
	assert.Len(t, d.performed, 4)
}

func TestExecuteFailFastCapturesFirstFailureOnly(t *testing.T) {
	d := &fakeDriver{failOn: map[int]error{1: errors.New("element not found: e4")}}
	art := &fakeArtifacts{}
	ex := New(d, nil, WithArtifacts(art), WithSessionID(func() string { return "session_1_deadbeef" }))

	out, err := ex.Execute(context.Background(), 2, loginCase(t))
	require.NoError(t, err, "action failures are outcomes, not errors")
	assert.False(t, out.Success)
	assert.Equal(t, 1, out.FailedStep)
	assert.Contains(t, out.Error, "element not found")

	assert.Len(t, d.performed, 2, "later instructions are not attempted")
	assert.Equal(t, 1, d.shots)
	require.Len(t, art.metas, 1)
	assert.Equal(t, "TC-login", art.metas[0].TestCaseID)
	assert.Equal(t, 1, art.metas[0].InstructionIdx)
	assert.Equal(t, "session_1_deadbeef", art.metas[0].SessionID)
	assert.Equal(t, "TC-login/failure_step_2.png", art.metas[0].Screenshot)
}

func TestExecuteTransportFailureIsReturned(t *testing.T) {
	transport := &mcp.TransportError{Op: "tools/call", Err: errors.New("connection refused")}
	d := &fakeDriver{failOn: map[int]error{0: transport}}
	art := &fakeArtifacts{}
	ex := New(d, nil, WithArtifacts(art))

	out, err := ex.Execute(context.Background(), 1, loginCase(t))
	require.Error(t, err)
	assert.Same(t, transport, err)
	assert.False(t, out.Success)
	assert.Empty(t, art.metas)
}

func TestExecuteValidationBeforeBackend(t *testing.T) {
	d := &fakeDriver{}
	ex := New(d, nil)

	_, err := ex.Execute(context.Background(), 1, types.TestCase{})
	assert.True(t, types.IsValidation(err))

	bad := types.TestCase{ID: "x", Instructions: []types.Instruction{{Kind: "teleport"}}}
	_, err = ex.Execute(context.Background(), 1, bad)
	assert.True(t, types.IsValidation(err))
	assert.Empty(t, d.performed)
}

type fakeReinit struct{ calls int }

func (f *fakeReinit) Reinitialize(ctx context.Context) (string, error) {
	f.calls++
	return "session_2", nil
}

func TestSessionRecoveryRehandshakesBeforeRetry(t *testing.T) {
	r := &fakeReinit{}
	w := retry.New(retry.Policy{MaxRetries: 2},
		retry.WithSleep(func(ctx context.Context, _ time.Duration) error { return nil }),
		retry.WithBeforeRetry(SessionRecovery(r)))

	d := &fakeDriver{failOn: map[int]error{
		0: &mcp.SessionLostError{Message: "Session not found"},
		1: errors.New("element not found"),
	}}
	ex := New(d, w)

	tc := types.TestCase{ID: "tc", Instructions: []types.Instruction{mustInstr(t, types.KindClick, "e1", "")}}
	out, err := ex.Execute(context.Background(), 1, tc)
	require.NoError(t, err)
	assert.True(t, out.Success, "third attempt succeeds")
	assert.Equal(t, 1, r.calls, "only session loss triggers a re-handshake")
}

// fakeCaller records tool calls for the MCP driver.
type fakeCaller struct {
	tools []string
	args  []map[string]interface{}
	text  string
	png   []byte
}

func (f *fakeCaller) Call(ctx context.Context, tool string, args map[string]interface{}) (*mcp.CallResult, error) {
	f.tools = append(f.tools, tool)
	f.args = append(f.args, args)
	res := &mcp.CallResult{Text: f.text}
	if tool == "browser_take_screenshot" {
		res.Images = []mcp.ImageContent{{MimeType: "image/png", Data: base64.StdEncoding.EncodeToString(f.png)}}
	}
	return res, nil
}

func TestMCPDriverToolMapping(t *testing.T) {
	c := &fakeCaller{text: "- heading \"Welcome\" [ref=e2]"}
	d := NewMCPDriver(c, "https://shop.example.com/app/")

	steps := []types.Instruction{
		mustInstr(t, types.KindNavigate, "", "login"),
		mustInstr(t, types.KindClick, "e7", ""),
		mustInstr(t, types.KindType, "e4", "alice"),
		mustInstr(t, types.KindSelect, "e9", "blue"),
		mustInstr(t, types.KindPress, "", "Enter"),
		{Kind: types.KindWait, TimeoutMs: 1500},
		mustInstr(t, types.KindAssertText, "", "Welcome"),
	}
	for _, in := range steps {
		require.NoError(t, d.Perform(context.Background(), in))
	}

	assert.Equal(t, []string{
		"browser_navigate", "browser_click", "browser_type", "browser_select_option",
		"browser_press_key", "browser_wait_for", "browser_snapshot",
	}, c.tools)
	assert.Equal(t, "https://shop.example.com/app/login", c.args[0]["url"])
	assert.Equal(t, "e7", c.args[1]["ref"])
	assert.Equal(t, "alice", c.args[2]["text"])
	assert.Equal(t, []string{"blue"}, c.args[3]["values"])
	assert.Equal(t, 1.5, c.args[5]["time"])
}

func TestMCPDriverAssertionFailure(t *testing.T) {
	c := &fakeCaller{text: "- heading \"Login\""}
	d := NewMCPDriver(c, "")

	err := d.Perform(context.Background(), mustInstr(t, types.KindAssertText, "", "Welcome"))
	var ae *AssertionError
	require.True(t, errors.As(err, &ae))
	assert.False(t, mcp.IsTransportClass(err))
}

func TestMCPDriverScreenshotDecodes(t *testing.T) {
	c := &fakeCaller{png: []byte{0x89, 'P', 'N', 'G'}}
	d := NewMCPDriver(c, "")

	png, err := d.Screenshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, png)
}
