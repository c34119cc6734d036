package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mark3labs/acp-adapter/internal/jsonrpc"
)

func newTestMux(t *testing.T) *jsonrpc.Mux {
	t.Helper()
	// RunOnce never touches the backing transport's Recv/Send outside of
	// the call under test, so the Mux here doesn't need a real Transport
	// wired in via Run.
	m := jsonrpc.New(nil)
	m.Handle("echo", func(ctx context.Context, params json.RawMessage) (any, error) {
		var p struct {
			Value string `json:"value"`
		}
		require.NoError(t, json.Unmarshal(params, &p))
		return map[string]string{"value": p.Value}, nil
	})
	m.HandleNotification("ping", func(ctx context.Context, params json.RawMessage) error {
		return nil
	})
	return m
}

func TestHTTPServer_RequestResponse(t *testing.T) {
	mux := newTestMux(t)
	srv := NewHTTPServer("127.0.0.1:0", mux, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"echo","params":{"value":"hi"}}`))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	var resp struct {
		Result struct {
			Value string `json:"value"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "hi", resp.Result.Value)
}

func TestHTTPServer_NotificationGets204(t *testing.T) {
	mux := newTestMux(t)
	srv := NewHTTPServer("127.0.0.1:0", mux, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","method":"ping","params":{}}`))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHTTPServer_UnknownMethod(t *testing.T) {
	mux := newTestMux(t)
	srv := NewHTTPServer("127.0.0.1:0", mux, time.Second)

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"method":"nope","params":{}}`))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Error *jsonrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeMethodNotFound, resp.Error.Code)
}

func TestHTTPServer_TransportFailure_ReturnsJSONRPCEnvelope(t *testing.T) {
	mux := newTestMux(t)
	srv := NewHTTPServer("127.0.0.1:0", mux, time.Second)

	// Neither a request nor a notification: Mux.RunOnce rejects this at the
	// transport level rather than answering with a method-level error.
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"jsonrpc":"2.0","id":1,"result":{}}`))
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp struct {
		Error *jsonrpc.Error `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, jsonrpc.CodeInternalError, resp.Error.Code)
}

func TestHTTPServer_OptionsIsCORSPreflight(t *testing.T) {
	mux := newTestMux(t)
	srv := NewHTTPServer("127.0.0.1:0", mux, time.Second)

	req := httptest.NewRequest(http.MethodOptions, "/", nil)
	rec := httptest.NewRecorder()

	srv.handle(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestTurn_SecondSendFailsLoudly(t *testing.T) {
	tn := newTurn([]byte(`{}`))
	require.NoError(t, tn.Send(context.Background(), []byte(`{"result":1}`)))

	err := tn.Send(context.Background(), []byte(`{"result":2}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP stream does not support multiple writes")
}

func TestTurn_SecondRecvReturnsEOF(t *testing.T) {
	tn := newTurn([]byte(`{}`))
	_, err := tn.Recv(context.Background())
	require.NoError(t, err)

	_, err = tn.Recv(context.Background())
	require.Error(t, err)
}
