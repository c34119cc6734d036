package jsonrpc

import "context"

// Transport is the framing abstraction the multiplexer runs on top of
// (§4.1). A Transport delivers one already-deframed JSON object per
// Recv call and accepts one already-marshaled JSON object per Send
// call; it owns line/body framing, not the multiplexer.
type Transport interface {
	// Recv blocks until the next inbound message is available, ctx is
	// cancelled, or the transport is exhausted (returns an error, e.g.
	// io.EOF, in the latter case).
	Recv(ctx context.Context) ([]byte, error)
	// Send writes one outbound message. Implementations must make this
	// safe to call from the multiplexer's single writer goroutine only;
	// the multiplexer guarantees Send is never called concurrently with
	// itself.
	Send(ctx context.Context, frame []byte) error
	// Close releases any resources held by the transport. It must be
	// safe to call multiple times.
	Close() error
}
