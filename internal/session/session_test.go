package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/acp-adapter/internal/config"
	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/permission"
	"github.com/mark3labs/acp-adapter/internal/terminal"
	"github.com/mark3labs/acp-adapter/internal/toolcall"
)

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, any) error { return nil }

type noopTerminalClient struct{}

func (noopTerminalClient) CreateTerminal(context.Context, string, terminal.CreateRequest) (terminal.ClientHandle, error) {
	return nil, nil
}

func newTestManager() *Manager {
	toolCalls := toolcall.NewManager(noopNotifier{}, 0)
	perms := permission.New(0)
	terminals := terminal.NewManager(noopTerminalClient{}, config.TerminalConfig{Enabled: true, MaxConcurrentTerminals: 2})
	return NewManager(nil, toolCalls, perms, terminals)
}

func TestCreateSession_RejectsRelativeCwd(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateSession("relative/path", NewOptions{})
	require.Error(t, err)
	rpcErr, ok := err.(*jsonrpc.Error)
	require.True(t, ok)
	assert.Contains(t, rpcErr.Message, "cwd must be an absolute path")
}

func TestCreateSession_RejectsDotRelativeCwd(t *testing.T) {
	m := newTestManager()
	for _, cwd := range []string{"./x", "../x", "42"} {
		_, err := m.CreateSession(cwd, NewOptions{})
		require.Error(t, err, cwd)
	}
}

func TestCreateSession_AcceptsUnixAndWindowsAbsolutePaths(t *testing.T) {
	m := newTestManager()
	for _, cwd := range []string{"/u/x", `C:\w`, "D:/w"} {
		s, err := m.CreateSession(cwd, NewOptions{})
		require.NoError(t, err, cwd)
		assert.Equal(t, ModeAsk, s.Mode)
	}
}

func TestCreateSession_DefaultsToAskMode(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/u/x", NewOptions{})
	require.NoError(t, err)
	assert.Equal(t, ModeAsk, s.Mode)
}

func TestCreateSession_RejectsUnknownMode(t *testing.T) {
	m := newTestManager()
	_, err := m.CreateSession("/u/x", NewOptions{Mode: "bogus"})
	require.Error(t, err)
}

func TestLoadSession_RehydratesExisting(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/u/x", NewOptions{Mode: ModePlan})
	require.NoError(t, err)

	loaded, err := m.LoadSession(s.ID, "/u/y", NewOptions{})
	require.NoError(t, err)
	assert.Equal(t, "/u/y", loaded.Cwd)
	assert.Equal(t, ModePlan, loaded.Mode)
}

func TestLoadSession_RegistersUnknownID(t *testing.T) {
	m := newTestManager()
	s, err := m.LoadSession("sess_external", "/u/x", NewOptions{})
	require.NoError(t, err)
	assert.Equal(t, "sess_external", s.ID)
}

func TestSetSessionMode_ReturnsPreviousAndValidates(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/u/x", NewOptions{})
	require.NoError(t, err)

	previous, err := m.SetSessionMode(s.ID, ModeAgent)
	require.NoError(t, err)
	assert.Equal(t, ModeAsk, previous)

	got, _ := m.GetSession(s.ID)
	assert.Equal(t, ModeAgent, got.Mode)

	_, err = m.SetSessionMode(s.ID, "bogus")
	require.Error(t, err)
}

func TestListSessions_ReturnsAllCreated(t *testing.T) {
	m := newTestManager()
	_, _ = m.CreateSession("/u/a", NewOptions{})
	_, _ = m.CreateSession("/u/b", NewOptions{})
	assert.Len(t, m.ListSessions(), 2)
}

func TestCancelSession_DelegatesToToolCallsPermissionsAndTerminals(t *testing.T) {
	m := newTestManager()
	s, err := m.CreateSession("/u/x", NewOptions{})
	require.NoError(t, err)

	// Best-effort fan-out; absent any in-flight work this must not panic
	// or error for an unknown/idle session.
	m.CancelSession(context.Background(), s.ID)
}

func TestModeCatalog_ToolVisibilityIsMonotonic(t *testing.T) {
	catalog := NewCatalog(DefaultCatalog())
	ask, _ := catalog.Get(ModeAsk)
	plan, _ := catalog.Get(ModePlan)
	agent, _ := catalog.Get(ModeAgent)

	assert.Empty(t, ask.AvailableTools)
	assert.Subset(t, plan.AvailableTools, ask.AvailableTools)
	assert.Subset(t, agent.AvailableTools, plan.AvailableTools)
	assert.ElementsMatch(t, []string{"filesystem", "terminal"}, agent.AvailableTools)
}
