// Package transport provides the concrete jsonrpc.Transport implementations
// an adapter can be wired to: newline-delimited JSON over a stream (stdio)
// and one-shot JSON over HTTP (§4.1).
package transport

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
)

// Stdio is a jsonrpc.Transport over a pair of byte streams, framing each
// JSON-RPC message as exactly one line. It's the transport an adapter
// runs over when its client launches it as a subprocess and talks to it
// over stdin/stdout.
type Stdio struct {
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex

	closed    chan struct{}
	closeOnce sync.Once
}

var _ jsonrpc.Transport = (*Stdio)(nil)

// NewStdio wraps r/w as a line-delimited JSON-RPC transport. Neither r nor
// w is closed by Close; callers that own the underlying streams (e.g. an
// os/exec.Cmd's pipes) are responsible for that themselves.
func NewStdio(r io.Reader, w io.Writer) *Stdio {
	return &Stdio{
		reader: bufio.NewReader(r),
		writer: w,
		closed: make(chan struct{}),
	}
}

// Recv reads the next non-blank line and returns it as a raw JSON frame.
// Blank lines between messages are skipped rather than surfaced as empty
// frames, since some clients pad stdio streams with them.
func (s *Stdio) Recv(ctx context.Context) ([]byte, error) {
	for {
		select {
		case <-s.closed:
			return nil, io.EOF
		default:
		}

		line, err := s.readLine(ctx)
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return line, nil
	}
}

func (s *Stdio) readLine(ctx context.Context) ([]byte, error) {
	type result struct {
		line []byte
		err  error
	}
	ch := make(chan result, 1)

	// ReadString blocks on the underlying reader with no way to cancel it
	// directly, so it runs on its own goroutine and the select below races
	// it against ctx/Close. Any data that arrived on the stream before Run
	// started is still sitting in the OS pipe buffer (or bufio.Reader's own
	// buffer once primed), so nothing is lost by reading lazily like this.
	go func() {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			ch <- result{err: err}
			return
		}
		ch <- result{line: bytes.TrimRight([]byte(line), "\r\n")}
	}()

	select {
	case r := <-ch:
		return r.line, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.closed:
		return nil, io.EOF
	}
}

// Send writes frame as a single line. frame must not contain an embedded
// newline or carriage return, since that would corrupt the line framing;
// json.Marshal output never does, so this only guards against a
// misbehaving caller.
func (s *Stdio) Send(_ context.Context, frame []byte) error {
	if bytes.ContainsAny(frame, "\n\r") {
		return fmt.Errorf("transport: stdio frame must not contain embedded newlines")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	buf := make([]byte, 0, len(frame)+1)
	buf = append(buf, frame...)
	buf = append(buf, '\n')
	if _, err := s.writer.Write(buf); err != nil {
		return fmt.Errorf("transport: stdio write: %w", err)
	}
	return nil
}

// Close marks the transport closed so any blocked Recv returns io.EOF. It
// is safe to call more than once.
func (s *Stdio) Close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}
