// Package permission implements the permissions broker (C4): it maps a
// tool call and its offered options to an outcome, either by an automatic
// safe/mutating default policy or by waiting on an interactive reply
// carried over the agent-client reverse channel.
package permission

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

// OptionKind enumerates the four ways a permission option can resolve a
// request.
type OptionKind string

const (
	KindAllowOnce    OptionKind = "allow_once"
	KindAllowAlways  OptionKind = "allow_always"
	KindRejectOnce   OptionKind = "reject_once"
	KindRejectAlways OptionKind = "reject_always"
)

func (k OptionKind) valid() bool {
	switch k {
	case KindAllowOnce, KindAllowAlways, KindRejectOnce, KindRejectAlways:
		return true
	default:
		return false
	}
}

func (k OptionKind) isAllow() bool {
	return k == KindAllowOnce || k == KindAllowAlways
}

func (k OptionKind) isReject() bool {
	return k == KindRejectOnce || k == KindRejectAlways
}

// Option is one of the choices offered alongside a permission request.
type Option struct {
	OptionID string     `json:"optionId"`
	Name     string     `json:"name"`
	Kind     OptionKind `json:"kind"`
}

// ToolCallDescriptor is the minimal tool-call shape a permission request
// is evaluated against; Kind drives the default policy (§4.4).
type ToolCallDescriptor struct {
	ToolCallID string `json:"toolCallId,omitempty"`
	Kind       string `json:"kind,omitempty"`
}

// safe/mutating kinds for the default policy.
var (
	safeKinds     = map[string]bool{"read": true, "search": true, "think": true, "fetch": true}
	mutatingKinds = map[string]bool{"edit": true, "delete": true, "move": true, "execute": true}
)

// Request is a pending permission request.
type Request struct {
	SessionID string
	ToolCall  ToolCallDescriptor
	Options   []Option
}

// Outcome is the result reported back to the caller of RequestPermission.
// Outcome is either "selected" (with OptionID set) or "cancelled".
type Outcome struct {
	Outcome  string `json:"outcome"`
	OptionID string `json:"optionId,omitempty"`
}

func selected(optionID string) Outcome { return Outcome{Outcome: "selected", OptionID: optionID} }
func cancelled() Outcome               { return Outcome{Outcome: "cancelled"} }

// InteractivePrompter asks the client to choose among the offered options,
// over the reverse channel (typically jsonrpc.Mux.Call with method
// "session/request_permission"). It must respect ctx cancellation.
type InteractivePrompter interface {
	Prompt(ctx context.Context, req Request) (optionID string, err error)
}

// pending tracks one in-flight interactive request so CancelSession can
// resolve it.
type pending struct {
	sessionID string
	resolve   func(Outcome)
}

// Broker is the permissions broker (C4). With no InteractivePrompter wired
// it only ever applies the default policy; wiring one (typically backed
// by a jsonrpc.Mux reverse call to the client) switches a given request to
// the interactive flow on demand via RequestInteractive.
type Broker struct {
	defaultTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pending // keyed by an internal request id
	nextID  int64
}

// New builds a Broker. defaultTimeout bounds an interactive request before
// it auto-resolves reject-once (§5's ~5 minute permission timeout); zero
// selects the 5-minute default.
func New(defaultTimeout time.Duration) *Broker {
	if defaultTimeout <= 0 {
		defaultTimeout = 5 * time.Minute
	}
	return &Broker{
		defaultTimeout: defaultTimeout,
		pending:        make(map[string]*pending),
	}
}

// Validate enforces the §4.4 invalid-request gate: missing sessionId,
// missing toolCall, empty options, or any option with an unrecognized
// kind fails with -32602 before any policy runs.
func Validate(req Request) error {
	if req.SessionID == "" {
		return jsonrpc.InvalidParams("sessionId is required")
	}
	if req.ToolCall.ToolCallID == "" && req.ToolCall.Kind == "" {
		return jsonrpc.InvalidParams("toolCall is required")
	}
	if len(req.Options) == 0 {
		return jsonrpc.InvalidParams("options must be non-empty")
	}
	for _, opt := range req.Options {
		if !opt.Kind.valid() {
			return jsonrpc.InvalidParams(fmt.Sprintf("unknown option kind %q", opt.Kind))
		}
	}
	return nil
}

// DefaultPolicy applies the non-interactive default (§4.4.1): safe kinds
// auto-select the first allow_* option, mutating kinds auto-select the
// first reject_* option, anything else selects the first offered option.
// It never blocks and always returns an outcome.
func DefaultPolicy(req Request) Outcome {
	switch {
	case safeKinds[req.ToolCall.Kind]:
		if opt, ok := firstMatching(req.Options, OptionKind.isAllow); ok {
			return selected(opt.OptionID)
		}
	case mutatingKinds[req.ToolCall.Kind]:
		if opt, ok := firstMatching(req.Options, OptionKind.isReject); ok {
			return selected(opt.OptionID)
		}
	}
	return selected(req.Options[0].OptionID)
}

func firstMatching(options []Option, pred func(OptionKind) bool) (Option, bool) {
	for _, opt := range options {
		if pred(opt.Kind) {
			return opt, true
		}
	}
	return Option{}, false
}

// Request resolves req via the default policy after validating it.
func (b *Broker) Request(req Request) (Outcome, error) {
	if err := Validate(req); err != nil {
		return Outcome{}, err
	}
	return DefaultPolicy(req), nil
}

// RequestInteractive resolves req by asking prompter, falling back to
// reject-once if ctx is cancelled, the default timeout elapses, or the
// prompter errors. A concurrent CancelSession(req.SessionID) resolves the
// wait early with {outcome:"cancelled"}.
func (b *Broker) RequestInteractive(ctx context.Context, req Request, prompter InteractivePrompter) (Outcome, error) {
	if err := Validate(req); err != nil {
		return Outcome{}, err
	}

	b.mu.Lock()
	b.nextID++
	id := fmt.Sprintf("permreq-%d", b.nextID)
	outcomeCh := make(chan Outcome, 1)
	var once sync.Once
	resolve := func(o Outcome) {
		once.Do(func() { outcomeCh <- o })
	}
	b.pending[id] = &pending{sessionID: req.SessionID, resolve: resolve}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, id)
		b.mu.Unlock()
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, b.defaultTimeout)
	defer cancel()

	go func() {
		optionID, err := prompter.Prompt(timeoutCtx, req)
		if err != nil {
			logger.Warn("permission: interactive prompt failed, rejecting: %v", err)
			resolve(rejectOnceOutcome(req))
			return
		}
		resolve(selected(optionID))
	}()

	select {
	case outcome := <-outcomeCh:
		return outcome, nil
	case <-timeoutCtx.Done():
		resolve(rejectOnceOutcome(req))
		return <-outcomeCh, nil
	}
}

func rejectOnceOutcome(req Request) Outcome {
	if opt, ok := firstMatching(req.Options, func(k OptionKind) bool { return k == KindRejectOnce }); ok {
		return selected(opt.OptionID)
	}
	if opt, ok := firstMatching(req.Options, OptionKind.isReject); ok {
		return selected(opt.OptionID)
	}
	return selected(req.Options[0].OptionID)
}

// CancelSession resolves every pending interactive request tagged with
// sessionID as {outcome:"cancelled"}, per the session/cancel fan-out
// (§5(c)). Resolving a request that has already settled is a no-op.
func (b *Broker) CancelSession(sessionID string) {
	b.mu.Lock()
	var toCancel []*pending
	for _, p := range b.pending {
		if p.sessionID == sessionID {
			toCancel = append(toCancel, p)
		}
	}
	b.mu.Unlock()

	for _, p := range toCancel {
		p.resolve(cancelled())
	}
}
