//go:build integration

package browser_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"coverloop/internal/browser"
	"coverloop/internal/executor"
	"coverloop/internal/types"
)

const loginPage = `<html><body>
<form onsubmit="document.getElementById('msg').textContent='Welcome ' + document.getElementById('user').value; return false;">
  <input id="user" name="user">
  <select id="color"><option>red</option><option>blue</option></select>
  <button id="go" type="submit">Sign in</button>
</form>
<p id="msg"></p>
</body></html>`

func startDriver(t *testing.T) (*browser.RodDriver, context.Context) {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, loginPage)
	}))
	t.Cleanup(ts.Close)

	cfg := browser.DefaultConfig()
	cfg.NavigationTimeoutMs = 10000
	cfg.ActionTimeoutMs = 3000

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	t.Cleanup(cancel)

	d := browser.NewRodDriver(cfg, ts.URL)
	if err := d.Start(ctx); err != nil {
		t.Skipf("chrome not available: %v", err)
	}
	t.Cleanup(func() { _ = d.Close(context.Background()) })
	return d, ctx
}

func step(t *testing.T, kind types.InstructionKind, target, value string) types.Instruction {
	t.Helper()
	in, err := types.NewInstruction(kind, target, value)
	require.NoError(t, err)
	return in
}

func TestRodDriver_LoginFlow_Integration(t *testing.T) {
	d, ctx := startDriver(t)
	require.NotEmpty(t, d.SessionID())

	flow := []types.Instruction{
		step(t, types.KindNavigate, "", "/"),
		step(t, types.KindType, "#user", "alice"),
		step(t, types.KindSelect, "#color", "blue"),
		step(t, types.KindClick, "#go", ""),
		step(t, types.KindWait, "", "Welcome alice"),
		step(t, types.KindAssertText, "", "Welcome alice"),
		step(t, types.KindAssertVisible, "#go", ""),
	}
	for _, in := range flow {
		require.NoError(t, d.Perform(ctx, in), "step %s", in)
	}

	png, err := d.Screenshot(ctx)
	require.NoError(t, err)
	assert.Greater(t, len(png), 8)
}

func TestRodDriver_FailuresAreActionErrors_Integration(t *testing.T) {
	d, ctx := startDriver(t)
	require.NoError(t, d.Perform(ctx, step(t, types.KindNavigate, "", "/")))

	err := d.Perform(ctx, types.Instruction{Kind: types.KindClick, Target: "#missing", TimeoutMs: 500})
	var nf *browser.ElementNotFoundError
	assert.True(t, errors.As(err, &nf))

	err = d.Perform(ctx, step(t, types.KindAssertText, "", "Goodbye"))
	var ae *executor.AssertionError
	assert.True(t, errors.As(err, &ae))
}

func TestRodDriver_Reinitialize_Integration(t *testing.T) {
	d, ctx := startDriver(t)
	first := d.SessionID()

	second, err := d.Reinitialize(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)
}
