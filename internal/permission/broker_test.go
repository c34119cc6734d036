package permission

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
)

func allowRejectOptions() []Option {
	return []Option{
		{OptionID: "allow-once", Name: "Allow once", Kind: KindAllowOnce},
		{OptionID: "reject-once", Name: "Reject once", Kind: KindRejectOnce},
	}
}

func TestValidate_MissingSessionID(t *testing.T) {
	req := Request{ToolCall: ToolCallDescriptor{Kind: "read"}, Options: allowRejectOptions()}
	err := Validate(req)
	require.Error(t, err)
	rpcErr, ok := err.(*jsonrpc.Error)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.CodeInvalidParams, rpcErr.Code)
}

func TestValidate_MissingToolCall(t *testing.T) {
	req := Request{SessionID: "S", Options: allowRejectOptions()}
	require.Error(t, Validate(req))
}

func TestValidate_EmptyOptions(t *testing.T) {
	req := Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "read"}}
	require.Error(t, Validate(req))
}

func TestValidate_UnknownOptionKind(t *testing.T) {
	req := Request{
		SessionID: "S",
		ToolCall:  ToolCallDescriptor{Kind: "read"},
		Options:   []Option{{OptionID: "x", Kind: "bogus"}},
	}
	require.Error(t, Validate(req))
}

func TestDefaultPolicy_SafeKindAutoAllows(t *testing.T) {
	req := Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "read"}, Options: allowRejectOptions()}
	outcome := DefaultPolicy(req)
	assert.Equal(t, "selected", outcome.Outcome)
	assert.Equal(t, "allow-once", outcome.OptionID)
}

func TestDefaultPolicy_MutatingKindAutoRejects(t *testing.T) {
	for _, kind := range []string{"edit", "delete", "move", "execute"} {
		req := Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: kind}, Options: allowRejectOptions()}
		outcome := DefaultPolicy(req)
		assert.Equal(t, "reject-once", outcome.OptionID, "kind=%s", kind)
	}
}

func TestDefaultPolicy_UnknownKindSelectsFirstOption(t *testing.T) {
	req := Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "mystery"}, Options: allowRejectOptions()}
	outcome := DefaultPolicy(req)
	assert.Equal(t, "allow-once", outcome.OptionID)
}

func TestBroker_Request_AppliesDefaultPolicy(t *testing.T) {
	b := New(0)
	outcome, err := b.Request(Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "delete"}, Options: allowRejectOptions()})
	require.NoError(t, err)
	assert.Equal(t, "reject-once", outcome.OptionID)
}

type fakePrompter struct {
	optionID string
	err      error
	delay    time.Duration
}

func (f fakePrompter) Prompt(ctx context.Context, req Request) (string, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if f.err != nil {
		return "", f.err
	}
	return f.optionID, nil
}

func TestBroker_RequestInteractive_ResolvesFromPrompter(t *testing.T) {
	b := New(time.Second)
	outcome, err := b.RequestInteractive(context.Background(),
		Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "edit"}, Options: allowRejectOptions()},
		fakePrompter{optionID: "allow-once"})
	require.NoError(t, err)
	assert.Equal(t, "selected", outcome.Outcome)
	assert.Equal(t, "allow-once", outcome.OptionID)
}

func TestBroker_RequestInteractive_TimeoutRejectsOnce(t *testing.T) {
	b := New(30 * time.Millisecond)
	outcome, err := b.RequestInteractive(context.Background(),
		Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "edit"}, Options: allowRejectOptions()},
		fakePrompter{delay: time.Second})
	require.NoError(t, err)
	assert.Equal(t, "reject-once", outcome.OptionID)
}

func TestBroker_CancelSession_ResolvesPendingAsCancelled(t *testing.T) {
	b := New(time.Minute)

	resultCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := b.RequestInteractive(context.Background(),
			Request{SessionID: "S", ToolCall: ToolCallDescriptor{Kind: "edit"}, Options: allowRejectOptions()},
			fakePrompter{delay: time.Minute})
		resultCh <- outcome
	}()

	time.Sleep(20 * time.Millisecond)
	b.CancelSession("S")

	select {
	case outcome := <-resultCh:
		assert.Equal(t, "cancelled", outcome.Outcome)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to resolve the pending request")
	}
}

func TestBroker_CancelSession_IgnoresOtherSessions(t *testing.T) {
	b := New(50 * time.Millisecond)

	resultCh := make(chan Outcome, 1)
	go func() {
		outcome, _ := b.RequestInteractive(context.Background(),
			Request{SessionID: "other", ToolCall: ToolCallDescriptor{Kind: "edit"}, Options: allowRejectOptions()},
			fakePrompter{delay: time.Second})
		resultCh <- outcome
	}()

	time.Sleep(10 * time.Millisecond)
	b.CancelSession("S")

	select {
	case outcome := <-resultCh:
		assert.Equal(t, "reject-once", outcome.OptionID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for timeout fallback")
	}
}
