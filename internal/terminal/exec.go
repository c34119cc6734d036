package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/mark3labs/acp-adapter/internal/toolcall"
)

// ExecuteOpts carries the optional fields every execute* utility accepts
// beyond command/args.
type ExecuteOpts struct {
	Cwd             string
	Env             map[string]string
	OutputByteLimit int
}

// ExecuteResult is the common shape every execute* utility returns.
type ExecuteResult struct {
	Output    string  `json:"output"`
	ExitCode  *int    `json:"exitCode,omitempty"`
	Signal    *string `json:"signal,omitempty"`
	Truncated bool    `json:"truncated"`
}

// ExecuteSimple creates a terminal, waits for it to exit, fetches its
// output, and releases it.
func (m *Manager) ExecuteSimple(ctx context.Context, sessionID, cmd string, args []string, opts ExecuteOpts) (ExecuteResult, error) {
	handle, err := m.Create(ctx, sessionID, CreateRequest{
		Command: cmd, Args: args, Cwd: opts.Cwd, Env: opts.Env, OutputByteLimit: opts.OutputByteLimit,
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	defer handle.Release(ctx)

	status, err := handle.WaitForExit(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}
	output, truncated, err := handle.CurrentOutput(ctx)
	if err != nil {
		return ExecuteResult{}, err
	}
	return ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal, Truncated: truncated}, nil
}

// TimeoutResult is ExecuteWithTimeout's result shape.
type TimeoutResult struct {
	ExecuteResult
	TimedOut bool `json:"timedOut"`
}

type exitOutcome struct {
	status ExitStatus
	err    error
}

// ExecuteWithTimeout races timeout against the terminal exiting. On
// timeout it kills the process, gives it a short grace period to report
// an exit status, and always releases the terminal.
func (m *Manager) ExecuteWithTimeout(ctx context.Context, sessionID, cmd string, args []string, opts ExecuteOpts, timeout time.Duration) (TimeoutResult, error) {
	handle, err := m.Create(ctx, sessionID, CreateRequest{
		Command: cmd, Args: args, Cwd: opts.Cwd, Env: opts.Env, OutputByteLimit: opts.OutputByteLimit,
	})
	if err != nil {
		return TimeoutResult{}, err
	}
	defer handle.Release(ctx)

	exitCh := make(chan exitOutcome, 1)
	go func() {
		status, err := handle.WaitForExit(ctx)
		exitCh <- exitOutcome{status, err}
	}()

	var status ExitStatus
	var timedOut bool

	select {
	case r := <-exitCh:
		if r.err != nil {
			return TimeoutResult{}, r.err
		}
		status = r.status
	case <-time.After(timeout):
		timedOut = true
		_ = handle.Kill(ctx)

		graceCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		select {
		case r := <-exitCh:
			status = r.status
		case <-graceCtx.Done():
		}
		cancel()
	}

	output, truncated, err := handle.CurrentOutput(ctx)
	if err != nil {
		return TimeoutResult{}, err
	}
	return TimeoutResult{
		ExecuteResult: ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal, Truncated: truncated},
		TimedOut:      timedOut,
	}, nil
}

func exitCodeLabel(status ExitStatus) string {
	switch {
	case status.ExitCode != nil:
		return fmt.Sprintf("%d", *status.ExitCode)
	case status.Signal != nil:
		return fmt.Sprintf("signal %s", *status.Signal)
	default:
		return "unknown"
	}
}

func exitSucceeded(status ExitStatus) bool {
	return status.ExitCode != nil && *status.ExitCode == 0
}

// ExecuteWithProgress reports an "execute" tool call for cmd, embeds a
// terminal content pointer so the client can stream output live, and
// finalises the tool call to completed/failed with the exit code folded
// into its title once the command exits.
func (m *Manager) ExecuteWithProgress(ctx context.Context, sessionID, cmd string, args []string, opts ExecuteOpts, toolCalls *toolcall.Manager) (ExecuteResult, error) {
	handle, err := m.Create(ctx, sessionID, CreateRequest{
		Command: cmd, Args: args, Cwd: opts.Cwd, Env: opts.Env, OutputByteLimit: opts.OutputByteLimit,
	})
	if err != nil {
		return ExecuteResult{}, err
	}
	defer handle.Release(ctx)

	title := fmt.Sprintf("Running: %s", cmd)
	id, err := toolCalls.Report(ctx, sessionID, "run_command", toolcall.ReportInput{Title: title, Kind: "execute"})
	if err != nil {
		return ExecuteResult{}, err
	}

	terminalID := handle.ID
	if mh, ok := handle.client.(*muxHandle); ok {
		terminalID = mh.terminalID
	}
	inProgress := toolcall.StatusInProgress
	_ = toolCalls.Update(ctx, sessionID, id, toolcall.UpdateInput{
		Status:  &inProgress,
		Content: []toolcall.Content{{Type: "terminal", TerminalID: terminalID}},
	})

	doneCh := make(chan struct{})
	go m.touchActivity(ctx, sessionID, id, toolCalls, doneCh)
	defer close(doneCh)

	status, err := handle.WaitForExit(ctx)
	if err != nil {
		_ = toolCalls.Fail(ctx, sessionID, id, err.Error(), nil)
		return ExecuteResult{}, err
	}
	output, truncated, err := handle.CurrentOutput(ctx)
	if err != nil {
		logger.Warn("terminal: fetching output for %s failed: %v", handle.ID, err)
	}

	rawOutput, _ := json.Marshal(ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal, Truncated: truncated})
	exitTitle := fmt.Sprintf("%s (exit %s)", title, exitCodeLabel(status))

	if exitSucceeded(status) {
		completed := toolcall.StatusCompleted
		_ = toolCalls.Update(ctx, sessionID, id, toolcall.UpdateInput{Title: &exitTitle, Status: &completed, RawOutput: rawOutput})
	} else {
		failed := toolcall.StatusFailed
		_ = toolCalls.Update(ctx, sessionID, id, toolcall.UpdateInput{Title: &exitTitle, Status: &failed, RawOutput: rawOutput})
	}

	return ExecuteResult{Output: output, ExitCode: status.ExitCode, Signal: status.Signal, Truncated: truncated}, nil
}

// touchActivity periodically nudges the tool call's in_progress status so
// a client watching the session sees the call is still alive; the client
// streams the terminal's own output, so this never polls output itself.
func (m *Manager) touchActivity(ctx context.Context, sessionID, id string, toolCalls *toolcall.Manager, done <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			status := toolcall.StatusInProgress
			_ = toolCalls.Update(ctx, sessionID, id, toolcall.UpdateInput{Status: &status})
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// SequentialOpts configures ExecuteSequential. ContinueOnError's zero
// value (false) matches the §4.7 default of stopping at the first
// non-zero exit.
type SequentialOpts struct {
	Cwd             string
	Env             map[string]string
	OutputByteLimit int
	ContinueOnError bool
}

// ExecuteSequential runs commands one at a time in a shared cwd/env,
// stopping at the first non-zero exit unless ContinueOnError is set.
func (m *Manager) ExecuteSequential(ctx context.Context, sessionID string, commands []string, opts SequentialOpts) ([]ExecuteResult, error) {
	results := make([]ExecuteResult, 0, len(commands))
	for _, cmd := range commands {
		res, err := m.ExecuteSimple(ctx, sessionID, cmd, nil, ExecuteOpts{
			Cwd: opts.Cwd, Env: opts.Env, OutputByteLimit: opts.OutputByteLimit,
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
		if !opts.ContinueOnError && res.ExitCode != nil && *res.ExitCode != 0 {
			break
		}
	}
	return results, nil
}

// StreamOpts configures StreamOutput. PollInterval's zero value selects
// the §4.7 default of 1 second.
type StreamOpts struct {
	PollInterval time.Duration
}

// StreamOutput polls handle's current output, calling onChunk with each
// newly-appended slice, until the terminal exits.
func StreamOutput(ctx context.Context, handle *ManagedTerminalHandle, onChunk func(chunk string), opts StreamOpts) (ExitStatus, error) {
	interval := opts.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	exitCh := make(chan exitOutcome, 1)
	go func() {
		status, err := handle.WaitForExit(ctx)
		exitCh <- exitOutcome{status, err}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastLen int
	drain := func() error {
		output, _, err := handle.CurrentOutput(ctx)
		if err != nil {
			return err
		}
		if len(output) > lastLen {
			onChunk(output[lastLen:])
			lastLen = len(output)
		}
		return nil
	}

	for {
		select {
		case r := <-exitCh:
			if err := drain(); err != nil {
				return ExitStatus{}, err
			}
			return r.status, r.err
		case <-ticker.C:
			if err := drain(); err != nil {
				return ExitStatus{}, err
			}
		case <-ctx.Done():
			return ExitStatus{}, ctx.Err()
		}
	}
}
