package toolcall

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordedUpdate struct {
	sessionID string
	update    toolCallUpdate
}

type recordingNotifier struct {
	mu      sync.Mutex
	updates []recordedUpdate
}

func (r *recordingNotifier) Notify(_ context.Context, method string, params any) error {
	if method != "session/update" {
		return nil
	}
	p := params.(sessionUpdateParams)
	r.mu.Lock()
	r.updates = append(r.updates, recordedUpdate{sessionID: p.SessionID, update: p.Update.(toolCallUpdate)})
	r.mu.Unlock()
	return nil
}

func (r *recordingNotifier) all() []recordedUpdate {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]recordedUpdate, len(r.updates))
	copy(out, r.updates)
	return out
}

func TestManager_Report_EmitsPendingToolCall(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, time.Minute)

	id, err := m.Report(context.Background(), "sess-1", "read_file", ReportInput{Title: "Read foo.go", Kind: "read"})
	require.NoError(t, err)
	require.Contains(t, id, "tool_read_file_")

	updates := n.all()
	require.Len(t, updates, 1)
	assert.Equal(t, "tool_call", updates[0].update.SessionUpdate)
	assert.Equal(t, id, updates[0].update.ToolCallID)
	assert.Equal(t, string(StatusPending), updates[0].update.Status)
}

func TestManager_Lifecycle_PendingThenInProgressThenCompleted(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, time.Minute)

	id, err := m.Report(context.Background(), "sess-1", "run_tests", ReportInput{Title: "Run tests", Kind: "execute"})
	require.NoError(t, err)

	inProgress := StatusInProgress
	require.NoError(t, m.Update(context.Background(), "sess-1", id, UpdateInput{Status: &inProgress}))
	require.NoError(t, m.Complete(context.Background(), "sess-1", id, CompleteInput{}))

	updates := n.all()
	require.Len(t, updates, 3)
	assert.Equal(t, string(StatusPending), updates[0].update.Status)
	assert.Equal(t, string(StatusInProgress), updates[1].update.Status)
	assert.Equal(t, string(StatusCompleted), updates[2].update.Status)

	call, ok := m.Snapshot(id)
	require.True(t, ok)
	assert.Equal(t, StatusCompleted, call.Status)
	assert.False(t, call.EndedAt.IsZero())
}

func TestManager_Fail_SynthesizesErrorContent(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, time.Minute)

	id, err := m.Report(context.Background(), "sess-1", "run_command", ReportInput{Kind: "execute"})
	require.NoError(t, err)
	require.NoError(t, m.Fail(context.Background(), "sess-1", id, "exit status 1", nil))

	updates := n.all()
	require.Len(t, updates, 2)
	last := updates[1].update
	assert.Equal(t, string(StatusFailed), last.Status)
	require.Len(t, last.Content, 1)
	require.NotNil(t, last.Content[0].Content)
	assert.Equal(t, "Error: exit status 1", last.Content[0].Content.Text)
}

func TestManager_CancelSession_FailsOnlyNonTerminalCallsOfThatSession(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, time.Minute)

	pendingA, err := m.Report(context.Background(), "sess-a", "t1", ReportInput{Kind: "execute"})
	require.NoError(t, err)
	pendingB, err := m.Report(context.Background(), "sess-a", "t2", ReportInput{Kind: "execute"})
	require.NoError(t, err)
	doneC, err := m.Report(context.Background(), "sess-a", "t3", ReportInput{Kind: "execute"})
	require.NoError(t, err)
	require.NoError(t, m.Complete(context.Background(), "sess-a", doneC, CompleteInput{}))
	otherSession, err := m.Report(context.Background(), "sess-b", "t4", ReportInput{Kind: "execute"})
	require.NoError(t, err)

	m.CancelSession(context.Background(), "sess-a")

	callA, _ := m.Snapshot(pendingA)
	callB, _ := m.Snapshot(pendingB)
	callOther, _ := m.Snapshot(otherSession)

	assert.Equal(t, StatusFailed, callA.Status)
	assert.Equal(t, "Cancelled by user", callA.Title)
	assert.Equal(t, StatusFailed, callB.Status)
	assert.Equal(t, "Cancelled by user", callB.Title)
	assert.Equal(t, StatusPending, callOther.Status, "other session must be untouched")

	cancelledCount := 0
	for _, u := range n.all() {
		if u.update.Status == string(StatusFailed) && u.update.Title == "Cancelled by user" {
			cancelledCount++
		}
	}
	assert.Equal(t, 2, cancelledCount)
}

func TestManager_Update_UnknownID(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, time.Minute)
	status := StatusInProgress
	err := m.Update(context.Background(), "sess-1", "tool_does_not_exist", UpdateInput{Status: &status})
	require.Error(t, err)
}

func TestManager_Eviction_RemovesTerminalCallAfterGCWindow(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(n, 20*time.Millisecond)

	id, err := m.Report(context.Background(), "sess-1", "t", ReportInput{Kind: "read"})
	require.NoError(t, err)
	require.NoError(t, m.Complete(context.Background(), "sess-1", id, CompleteInput{}))

	_, ok := m.Snapshot(id)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		_, ok := m.Snapshot(id)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestManager_NewID_IsUniqueAndShaped(t *testing.T) {
	m := NewManager(&recordingNotifier{}, time.Minute)
	a := m.NewID("read_file")
	b := m.NewID("read_file")
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "tool_read_file_")
}
