package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_PublishSubscribe_DeliversToSubscriber(t *testing.T) {
	bus, err := Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	subject := SessionSubject("sess_1")

	var mu sync.Mutex
	var received []string
	done := make(chan struct{}, 1)

	sub, err := bus.Subscribe(subject, func(data []byte) {
		mu.Lock()
		received = append(received, string(data))
		mu.Unlock()
		select {
		case done <- struct{}{}:
		default:
		}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	require.NoError(t, bus.Publish(subject, []byte("hello")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"hello"}, received)
}

func TestBus_Subscribe_IsScopedToSubject(t *testing.T) {
	bus, err := Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	var sawOther bool
	sub, err := bus.Subscribe(SessionSubject("sess_other"), func(data []byte) {
		sawOther = true
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })

	done := make(chan struct{}, 1)
	sub2, err := bus.Subscribe(SessionSubject("sess_target"), func(data []byte) {
		done <- struct{}{}
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub2.Unsubscribe() })

	require.NoError(t, bus.Publish(SessionSubject("sess_target"), []byte("x")))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	assert.False(t, sawOther)
}

func TestBus_Publish_WithNoSubscribers_IsNoop(t *testing.T) {
	bus, err := Start()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	assert.NoError(t, bus.Publish(SessionSubject("sess_unheard"), []byte("x")))
}

func TestSessionSubject_IsNamespacedPerSession(t *testing.T) {
	assert.Equal(t, "session.abc.update", SessionSubject("abc"))
	assert.NotEqual(t, SessionSubject("abc"), SessionSubject("def"))
}
