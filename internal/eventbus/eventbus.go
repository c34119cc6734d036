// Package eventbus runs an embedded, loopback-only, non-persistent NATS
// server as the in-process fan-out bus for session/update traffic: the
// adapter (C10) publishes the session/update notifications it emits
// itself, and its own relay subscriber delivers them to the client
// through the mux. Tool-call lifecycle updates from C5 are sent to the
// mux directly and do not pass through the bus.
//
// This is core NATS pub/sub, not JetStream — there is no durable stream
// and nothing survives process restart, matching the adapter's own
// lack of persistent session storage.
package eventbus

import (
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/acp-adapter/internal/logger"
	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Bus is an embedded NATS server plus one in-process connection to it.
// A single Bus is shared by every session the adapter serves; subjects
// are namespaced per session (see SessionSubject) so one subscriber can
// scope itself to the traffic it cares about.
type Bus struct {
	server *server.Server
	conn   *nats.Conn
}

// SessionSubject returns the subject a given session's updates publish
// and subscribe on: "session.<id>.update".
func SessionSubject(sessionID string) string {
	return fmt.Sprintf("session.%s.update", sessionID)
}

// Start boots an embedded NATS server with no network listener (port
// -1) and connects to it in-process, so the bus never leaves the
// adapter's own address space.
func Start() (*Bus, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           -1, // don't listen on a real TCP port at all
		DontListen:     true,
		JetStream:      false,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("eventbus: create embedded server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(4 * time.Second) {
		return nil, errors.New("eventbus: embedded server failed to start within timeout")
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("eventbus: connect in-process: %w", err)
	}

	logger.Debug("eventbus: embedded NATS server ready")
	return &Bus{server: ns, conn: nc}, nil
}

// Publish sends data on subject to every current subscriber. A publish
// with no subscribers is a silent no-op, matching NATS core semantics.
func (b *Bus) Publish(subject string, data []byte) error {
	if err := b.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler to run for every message published on
// subject from now on. Messages reach handler one at a time, in order,
// on a goroutine owned by the subscription rather than the publisher's.
func (b *Bus) Subscribe(subject string, handler func(data []byte)) (*Subscription, error) {
	sub, err := b.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("eventbus: subscribe %s: %w", subject, err)
	}
	return &Subscription{sub: sub}, nil
}

// Close drains the connection and shuts down the embedded server,
// bounding each step so a stuck subscriber can't hang shutdown forever.
func (b *Bus) Close() error {
	if b.conn != nil {
		drainDone := make(chan error, 1)
		go func() { drainDone <- b.conn.Drain() }()
		select {
		case err := <-drainDone:
			if err != nil {
				logger.Warn("eventbus: drain failed, forcing close: %v", err)
				b.conn.Close()
			}
		case <-time.After(2 * time.Second):
			logger.Warn("eventbus: drain timed out, forcing close")
			b.conn.Close()
		}
	}

	if b.server != nil {
		b.server.Shutdown()
		done := make(chan struct{})
		go func() {
			b.server.WaitForShutdown()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			return errors.New("eventbus: server shutdown timed out")
		}
	}
	return nil
}

// Subscription is a handle to an active Subscribe call.
type Subscription struct {
	sub *nats.Subscription
}

// Unsubscribe stops delivery to this subscription's handler.
func (s *Subscription) Unsubscribe() error {
	if s == nil || s.sub == nil {
		return nil
	}
	if err := s.sub.Unsubscribe(); err != nil {
		return fmt.Errorf("eventbus: unsubscribe: %w", err)
	}
	return nil
}
