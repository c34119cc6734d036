// Package toolcall implements the tool-call manager (C5): it tracks the
// lifecycle of every tool invocation a session makes and emits the
// session/update notifications an ACP client observes as that lifecycle
// advances.
package toolcall

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mark3labs/acp-adapter/internal/logger"
)

// Status is a tool call's lifecycle state (pending → in_progress →
// completed|failed).
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Location is a filesystem path a tool call touched.
type Location struct {
	Path string `json:"path"`
}

// TextContent is the inner text payload of a content block.
type TextContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Content is one entry of a tool call's reported content. Type selects
// which of the remaining fields apply: "content" carries a text block,
// "terminal" carries a terminal reference (§S3's
// `{type:"terminal", terminalId:...}` shape), "diff" carries the
// diff-to-ACP-content conversion C6 performs when a tool's result carries
// metadata.diffs.
type Content struct {
	Type       string       `json:"type"`
	Content    *TextContent `json:"content,omitempty"`
	TerminalID string       `json:"terminalId,omitempty"`
	Path       string       `json:"path,omitempty"`
	OldText    string       `json:"oldText,omitempty"`
	NewText    string       `json:"newText,omitempty"`
}

// errorContent builds the fixed `fail` content shape from §4.5.
func errorContent(message string) []Content {
	return []Content{{Type: "content", Content: &TextContent{Type: "text", Text: "Error: " + message}}}
}

// Call is a snapshot of one tool call's current state.
type Call struct {
	ID        string
	SessionID string
	Name      string
	Title     string
	Kind      string
	Status    Status
	RawInput  json.RawMessage
	RawOutput json.RawMessage
	Content   []Content
	Locations []Location
	StartedAt time.Time
	EndedAt   time.Time
}

// ReportInput is the initial state of a newly reported tool call.
type ReportInput struct {
	Title     string
	Kind      string
	RawInput  json.RawMessage
	Locations []Location
}

// UpdateInput carries only the fields being changed; nil/zero fields are
// left untouched on the tracked call.
type UpdateInput struct {
	Title     *string
	Status    *Status
	Content   []Content
	Locations []Location
	RawOutput json.RawMessage
}

// CompleteInput is the terminal payload for a successful tool call.
type CompleteInput struct {
	Content   []Content
	RawOutput json.RawMessage
}

// Notifier is the minimal surface toolcall needs from the transport layer
// to emit session/update notifications; jsonrpc.Mux satisfies it.
type Notifier interface {
	Notify(ctx context.Context, method string, params any) error
}

type sessionUpdateParams struct {
	SessionID string `json:"sessionId"`
	Update    any    `json:"update"`
}

type toolCallUpdate struct {
	SessionUpdate string          `json:"sessionUpdate"`
	ToolCallID    string          `json:"toolCallId"`
	Title         string          `json:"title,omitempty"`
	Kind          string          `json:"kind,omitempty"`
	Status        string          `json:"status,omitempty"`
	Content       []Content       `json:"content,omitempty"`
	Locations     []Location      `json:"locations,omitempty"`
	RawInput      json.RawMessage `json:"rawInput,omitempty"`
	RawOutput     json.RawMessage `json:"rawOutput,omitempty"`
}

type trackedCall struct {
	call     Call
	evictFor *time.Timer
}

// Manager holds every session's active tool calls and emits the
// session/update notifications that track their lifecycle.
type Manager struct {
	notifier Notifier
	gcWindow time.Duration

	mu      sync.Mutex
	calls   map[string]*trackedCall
	counter int64
}

// NewManager builds a Manager that notifies through notifier. gcWindow is
// how long a terminal call stays inspectable before eviction; zero
// selects the ~30s default from §4.5.
func NewManager(notifier Notifier, gcWindow time.Duration) *Manager {
	if gcWindow <= 0 {
		gcWindow = 30 * time.Second
	}
	return &Manager{
		notifier: notifier,
		gcWindow: gcWindow,
		calls:    make(map[string]*trackedCall),
	}
}

// NewID generates an id shaped tool_{name}_{epochMs}_{counter}.
func (m *Manager) NewID(name string) string {
	n := atomic.AddInt64(&m.counter, 1)
	return fmt.Sprintf("tool_%s_%d_%d", name, time.Now().UnixMilli(), n)
}

// Report starts tracking a new tool call in the pending state and emits
// its initial `tool_call` session/update.
func (m *Manager) Report(ctx context.Context, sessionID, name string, in ReportInput) (string, error) {
	id := m.NewID(name)
	call := Call{
		ID:        id,
		SessionID: sessionID,
		Name:      name,
		Title:     in.Title,
		Kind:      in.Kind,
		Status:    StatusPending,
		RawInput:  in.RawInput,
		Locations: in.Locations,
		StartedAt: time.Now(),
	}

	m.mu.Lock()
	m.calls[id] = &trackedCall{call: call}
	m.mu.Unlock()

	update := toolCallUpdate{
		SessionUpdate: "tool_call",
		ToolCallID:    id,
		Title:         in.Title,
		Kind:          in.Kind,
		Status:        string(StatusPending),
		Locations:     in.Locations,
		RawInput:      in.RawInput,
	}
	if err := m.emit(ctx, sessionID, update); err != nil {
		return id, err
	}
	return id, nil
}

// Update applies a partial update to an already-reported tool call and
// emits a `tool_call_update`. Transitioning into a terminal status starts
// the call's GC window.
func (m *Manager) Update(ctx context.Context, sessionID, id string, in UpdateInput) error {
	m.mu.Lock()
	tc, ok := m.calls[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("toolcall: unknown tool call id %q", id)
	}

	update := toolCallUpdate{SessionUpdate: "tool_call_update", ToolCallID: id}
	if in.Title != nil {
		tc.call.Title = *in.Title
		update.Title = *in.Title
	}
	if in.Status != nil {
		tc.call.Status = *in.Status
		update.Status = string(*in.Status)
		if in.Status.terminal() {
			tc.call.EndedAt = time.Now()
			m.scheduleEviction(id, tc)
		}
	}
	if in.Content != nil {
		tc.call.Content = in.Content
		update.Content = in.Content
	}
	if in.Locations != nil {
		tc.call.Locations = in.Locations
		update.Locations = in.Locations
	}
	if in.RawOutput != nil {
		tc.call.RawOutput = in.RawOutput
		update.RawOutput = in.RawOutput
	}
	m.mu.Unlock()

	return m.emit(ctx, sessionID, update)
}

// scheduleEviction must be called with m.mu held.
func (m *Manager) scheduleEviction(id string, tc *trackedCall) {
	if tc.evictFor != nil {
		tc.evictFor.Stop()
	}
	tc.evictFor = time.AfterFunc(m.gcWindow, func() {
		m.mu.Lock()
		delete(m.calls, id)
		m.mu.Unlock()
	})
}

// Complete marks id completed with an optional result payload.
func (m *Manager) Complete(ctx context.Context, sessionID, id string, in CompleteInput) error {
	status := StatusCompleted
	return m.Update(ctx, sessionID, id, UpdateInput{
		Status:    &status,
		Content:   in.Content,
		RawOutput: in.RawOutput,
	})
}

// Fail marks id failed, synthesizing the fixed "Error: <message>" content
// block from §4.5.
func (m *Manager) Fail(ctx context.Context, sessionID, id, message string, rawOutput json.RawMessage) error {
	status := StatusFailed
	return m.Update(ctx, sessionID, id, UpdateInput{
		Status:    &status,
		Content:   errorContent(message),
		RawOutput: rawOutput,
	})
}

// CancelSession transitions every non-terminal tool call of sessionID to
// failed with title "Cancelled by user" (§5(b)).
func (m *Manager) CancelSession(ctx context.Context, sessionID string) {
	m.mu.Lock()
	var toCancel []string
	for id, tc := range m.calls {
		if tc.call.SessionID == sessionID && !tc.call.Status.terminal() {
			toCancel = append(toCancel, id)
		}
	}
	m.mu.Unlock()

	title := "Cancelled by user"
	status := StatusFailed
	for _, id := range toCancel {
		if err := m.Update(ctx, sessionID, id, UpdateInput{Title: &title, Status: &status}); err != nil {
			logger.Warn("toolcall: cancelling %s failed: %v", id, err)
		}
	}
}

// Snapshot returns a copy of id's current tracked state, for metrics or
// debugging. The second return is false if id is unknown or already
// evicted.
func (m *Manager) Snapshot(id string) (Call, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tc, ok := m.calls[id]
	if !ok {
		return Call{}, false
	}
	return tc.call, true
}

func (m *Manager) emit(ctx context.Context, sessionID string, update toolCallUpdate) error {
	return m.notifier.Notify(ctx, "session/update", sessionUpdateParams{SessionID: sessionID, Update: update})
}
