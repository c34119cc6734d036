package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
	"github.com/mark3labs/acp-adapter/internal/logger"
)

// turn is a jsonrpc.Transport good for exactly one JSON-RPC message: it
// yields its body from a single Recv call and accepts a single Send call.
// A second Send fails loudly instead of silently overwriting the first,
// since an HTTP response can only be written once.
type turn struct {
	body []byte

	mu       sync.Mutex
	consumed bool
	wrote    bool
	response []byte
}

func newTurn(body []byte) *turn {
	return &turn{body: body}
}

func (t *turn) Recv(_ context.Context) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.consumed {
		return nil, io.EOF
	}
	t.consumed = true
	return t.body, nil
}

func (t *turn) Send(_ context.Context, frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.wrote {
		return fmt.Errorf("transport: HTTP stream does not support multiple writes")
	}
	t.wrote = true
	t.response = append([]byte(nil), frame...)
	return nil
}

func (t *turn) Close() error { return nil }

// HTTPServer exposes a jsonrpc.Mux as one-shot HTTP turns: each POST body
// is treated as exactly one JSON-RPC message, dispatched through
// mux.RunOnce and answered with exactly one JSON response (§4.1, one-shot
// mode). All requests share the same Mux so a session/cancel notification
// delivered on one request can still reach a handler running in-flight on
// another.
type HTTPServer struct {
	mux         *jsonrpc.Mux
	server      *http.Server
	turnTimeout time.Duration
}

// NewHTTPServer builds an HTTP transport around mux, listening on addr.
// turnTimeout bounds the context each turn's handler runs under: when it
// elapses that context is cancelled and the turn is answered with
// whatever the handler then returns; there is no separate timeout
// response. Zero disables the bound.
func NewHTTPServer(addr string, mux *jsonrpc.Mux, turnTimeout time.Duration) *HTTPServer {
	s := &HTTPServer{mux: mux, turnTimeout: turnTimeout}
	handler := http.NewServeMux()
	handler.HandleFunc("/", s.handle)
	s.server = &http.Server{
		Addr:    addr,
		Handler: handler,
	}
	return s
}

// ListenAndServe blocks serving HTTP turns until the server is shut down.
func (s *HTTPServer) ListenAndServe() error {
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// writeRPCError answers a transport-level failure with a JSON-RPC -32603
// envelope (§6) instead of a bare-text HTTP error, since the caller on the
// other end of this POST is a JSON-RPC client expecting a JSON-RPC body
// regardless of HTTP status.
func writeRPCError(w http.ResponseWriter, err error) {
	msg := jsonrpc.NewErrorResponse(jsonrpc.ID{}, jsonrpc.Internal(err))
	body, marshalErr := json.Marshal(msg)
	if marshalErr != nil {
		logger.Error("transport: marshaling http error envelope: %v", marshalErr)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusInternalServerError)
	if _, writeErr := w.Write(body); writeErr != nil {
		logger.Error("transport: writing http error envelope: %v", writeErr)
	}
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.turnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.turnTimeout)
		defer cancel()
	}

	t := newTurn(body)
	if err := s.mux.RunOnce(ctx, t); err != nil {
		logger.Error("transport: http turn failed: %v", err)
		writeRPCError(w, err)
		return
	}

	if !t.wrote {
		// Notification-only turn: nothing to report back.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(t.response); err != nil {
		logger.Error("transport: writing http response: %v", err)
	}
}
