package ws

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vinizap/lumi/mirror/domain"
)

type fakeConn struct {
	mu       sync.Mutex
	written  []Message
	writeErr error
	closed   bool
	incoming chan map[string]interface{}
	shut     chan struct{}
	once     sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{incoming: make(chan map[string]interface{}), shut: make(chan struct{})}
}

func (c *fakeConn) ReadJSON(v interface{}) error {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return io.EOF
		}
		*(v.(*map[string]interface{})) = msg
		return nil
	case <-c.shut:
		return io.ErrClosedPipe
	}
}

func (c *fakeConn) WriteJSON(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, v.(Message))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.once.Do(func() { close(c.shut) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.written...)
}

func TestHub_Broadcast(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub := NewHub()
	go hub.Run(ctx)

	good := newFakeConn()
	bad := newFakeConn()
	bad.writeErr = errors.New("broken pipe")
	go hub.HandleConnection(good)
	go hub.HandleConnection(bad)
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, time.Second, 5*time.Millisecond)

	hub.Notify(domain.ResourceImported, &domain.Resource{ID: "abc_1-2"})

	require.Eventually(t, func() bool { return len(good.messages()) == 1 }, time.Second, 5*time.Millisecond)
	msg := good.messages()[0]
	assert.Equal(t, domain.ResourceImported, msg.Type)
	assert.Equal(t, "abc_1-2", msg.Resource.ID)

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	close(good.incoming)
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, time.Second, 5*time.Millisecond)
}

func TestHub_NotifyDoesNotBlockWithoutRunner(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	go func() {
		for i := 0; i < 300; i++ {
			hub.Notify(domain.ResourceUpdated, nil)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked")
	}
}

func TestHub_ConnectionsReturnAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := NewHub()
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	open := newFakeConn()
	handled := make(chan struct{})
	go func() {
		hub.HandleConnection(open)
		close(handled)
	}()
	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	<-stopped
	select {
	case <-handled:
	case <-time.After(time.Second):
		t.Fatal("open connection did not return after the hub stopped")
	}
	assert.True(t, open.isClosed())

	late := newFakeConn()
	lateDone := make(chan struct{})
	go func() {
		hub.HandleConnection(late)
		close(lateDone)
	}()
	select {
	case <-lateDone:
	case <-time.After(time.Second):
		t.Fatal("connection after stop blocked")
	}
	assert.True(t, late.isClosed())
}
