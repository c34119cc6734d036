package transport

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStdio_RecvSplitsOnNewlines(t *testing.T) {
	r := strings.NewReader("{\"a\":1}\n{\"b\":2}\n")
	var out bytes.Buffer
	s := NewStdio(r, &out)

	ctx := context.Background()
	first, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(first))

	second, err := s.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, `{"b":2}`, string(second))

	_, err = s.Recv(ctx)
	assert.ErrorIs(t, err, io.EOF)
}

func TestStdio_RecvSkipsBlankLines(t *testing.T) {
	r := strings.NewReader("\n\n{\"a\":1}\n\n")
	var out bytes.Buffer
	s := NewStdio(r, &out)

	frame, err := s.Recv(context.Background())
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(frame))
}

func TestStdio_SendWritesOneLinePerFrame(t *testing.T) {
	var out bytes.Buffer
	s := NewStdio(strings.NewReader(""), &out)

	require.NoError(t, s.Send(context.Background(), []byte(`{"a":1}`)))
	require.NoError(t, s.Send(context.Background(), []byte(`{"b":2}`)))

	assert.Equal(t, "{\"a\":1}\n{\"b\":2}\n", out.String())
}

func TestStdio_SendRejectsEmbeddedNewline(t *testing.T) {
	var out bytes.Buffer
	s := NewStdio(strings.NewReader(""), &out)

	err := s.Send(context.Background(), []byte("{\"a\":\"line1\nline2\"}"))
	require.Error(t, err)
}

func TestStdio_RecvRespectsContextCancellation(t *testing.T) {
	blockingReader, writer := io.Pipe()
	defer writer.Close()
	s := NewStdio(blockingReader, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.Recv(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStdio_CloseUnblocksRecv(t *testing.T) {
	blockingReader, writer := io.Pipe()
	defer writer.Close()
	s := NewStdio(blockingReader, &bytes.Buffer{})

	done := make(chan error, 1)
	go func() {
		_, err := s.Recv(context.Background())
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, s.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Recv did not unblock after Close")
	}
}
