package execprovider

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/mark3labs/acp-adapter/internal/terminal"
)

type fakeHandle struct {
	output   string
	exitCode int
}

func (h *fakeHandle) CurrentOutput(context.Context) (string, bool, error) {
	return h.output, false, nil
}

func (h *fakeHandle) WaitForExit(context.Context) (terminal.ExitStatus, error) {
	code := h.exitCode
	return terminal.ExitStatus{ExitCode: &code}, nil
}

func (h *fakeHandle) Kill(context.Context) error    { return nil }
func (h *fakeHandle) Release(context.Context) error { return nil }

type fakeClient struct {
	output   string
	exitCode int
}

func (c *fakeClient) CreateTerminal(context.Context, string, terminal.CreateRequest) (terminal.ClientHandle, error) {
	return &fakeHandle{output: c.output, exitCode: c.exitCode}, nil
}

func newTestManager(output string, exitCode int) *terminal.Manager {
	return terminal.NewManager(&fakeClient{output: output, exitCode: exitCode}, config.TerminalConfig{
		Enabled:                true,
		MaxConcurrentTerminals: 4,
		DefaultOutputByteLimit: 4096,
	})
}

func TestProvider_Name_IsExecution(t *testing.T) {
	p := New(newTestManager("", 0))
	assert.Equal(t, "execution", p.Name())
}

func TestProvider_Tools_IncludesRunCommandAndRunCommandsAsSessionScoped(t *testing.T) {
	p := New(newTestManager("", 0))
	tools := p.Tools()
	require.Len(t, tools, 2)
	for _, tl := range tools {
		assert.True(t, tl.SessionScoped)
	}
	assert.Equal(t, "run_command", tools[0].Name)
	assert.Equal(t, "run_commands", tools[1].Name)
}

func TestRunCommand_Success_ReturnsExecuteResult(t *testing.T) {
	p := New(newTestManager("build ok\n", 0))

	res, err := p.runCommand(context.Background(), map[string]any{
		"_sessionId": "sess_1",
		"command":    "go build ./...",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	out, ok := res.Result.(terminal.TimeoutResult)
	require.True(t, ok)
	assert.Equal(t, "build ok\n", out.Output)
	assert.False(t, out.TimedOut)
}

func TestRunCommand_DisabledTerminals_ReturnsFailureResult(t *testing.T) {
	m := terminal.NewManager(&fakeClient{}, config.TerminalConfig{Enabled: false})
	p := New(m)

	res, err := p.runCommand(context.Background(), map[string]any{
		"_sessionId": "sess_1",
		"command":    "ls",
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "ls")
}

func TestRunCommands_Success_ReturnsEachResult(t *testing.T) {
	p := New(newTestManager("ok\n", 0))

	res, err := p.runCommands(context.Background(), map[string]any{
		"_sessionId": "sess_1",
		"commands":   []any{"go build ./...", "go vet ./..."},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)

	out, ok := res.Result.(map[string]any)
	require.True(t, ok)
	results, ok := out["results"].([]terminal.ExecuteResult)
	require.True(t, ok)
	assert.Len(t, results, 2)
}

func TestRunCommands_EmptyList_ReturnsFailureResult(t *testing.T) {
	p := New(newTestManager("", 0))

	res, err := p.runCommands(context.Background(), map[string]any{
		"_sessionId": "sess_1",
		"commands":   []any{},
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "non-empty")
}
