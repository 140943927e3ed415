package main

import (
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/smnsjas/go-pseshost/config"
	"github.com/smnsjas/go-pseshost/engine"
	"github.com/smnsjas/go-pseshost/engine/enginetest"
)

// syncBuffer is written by the console loop and the execution worker.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

type harness struct {
	app    *app
	eng    *enginetest.Engine
	stdout *syncBuffer
	stderr *syncBuffer
	cfg    *config.Config
}

func newHarness(t *testing.T, input string) *harness {
	t.Helper()
	h := &harness{
		eng:    enginetest.New(),
		stdout: &syncBuffer{},
		stderr: &syncBuffer{},
	}
	h.app = newApp(strings.NewReader(input), h.stdout, h.stderr)
	dir := t.TempDir()
	h.app.loader.SetSearchDirs(dir)
	h.app.loader.SetEnvFile(filepath.Join(dir, ".env"))
	h.app.newEngine = func(cfg *config.Config, _ *slog.Logger) engine.Engine {
		h.cfg = cfg
		return h.eng
	}
	return h
}

func (h *harness) run(args ...string) error {
	cmd := h.app.rootCmd()
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestShellRunsConsoleInput(t *testing.T) {
	h := newHarness(t, "Get-Greeting\nexit\n")
	h.eng.Handle("Get-Greeting", enginetest.Returns("hello from pwsh"))

	require.NoError(t, h.run("--test-mode"))
	assert.Contains(t, h.stdout.String(), "hello from pwsh")
	assert.Contains(t, h.stdout.String(), "PS> ")
	assert.Equal(t, 1, h.eng.Count("Get-Greeting"))
}

func TestExecRunsScript(t *testing.T) {
	h := newHarness(t, "")
	h.eng.Handle("Get-Greeting", enginetest.Returns("hi"))

	require.NoError(t, h.run("exec", "Get-Greeting", "--completion-timeout=5s", "--test-mode"))
	assert.Contains(t, h.stdout.String(), "hi")
	require.NotNil(t, h.cfg)
	assert.Equal(t, "5s", h.cfg.CompletionTimeout.String())
}

func TestExecReportsScriptFailure(t *testing.T) {
	h := newHarness(t, "")
	h.eng.Handle("Get-Broken", enginetest.Throws("it broke"))

	err := h.run("exec", "Get-Broken", "--test-mode")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "it broke")
}

func TestVersion(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run("version"))
	assert.Equal(t, "pses-host "+version+"\n", h.stdout.String())
}

func TestConfigShow(t *testing.T) {
	h := newHarness(t, "")
	require.NoError(t, h.run("config", "show", "--pwsh", "/usr/local/bin/pwsh", "--log-level=debug"))

	out := h.stdout.String()
	assert.Contains(t, out, "path: /usr/local/bin/pwsh")
	assert.Contains(t, out, "level: debug")
	assert.Contains(t, out, "completion_timeout: 3s")
}

func TestInvalidConfigFails(t *testing.T) {
	h := newHarness(t, "")
	err := h.run("exec", "Get-Date", "--completion-timeout=0s")
	require.Error(t, err)
	assert.Contains(t, err.Error(), config.KeyCompletionTimeout)
}
