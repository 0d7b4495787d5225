package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records written events; an optional gate makes writes block so
// tests can fill the outbound buffer.
type fakeConn struct {
	mu     sync.Mutex
	events []Event
	gate   chan struct{}
	closed bool
}

func newFakeConn() *fakeConn { return &fakeConn{} }

func (f *fakeConn) WriteJSON(v interface{}) error {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errors.New("conn closed")
	}
	if ev, ok := v.(Event); ok {
		f.events = append(f.events, ev)
	}
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeConn) snapshot() []Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Event, len(f.events))
	copy(out, f.events)
	return out
}

func waitForEvents(t *testing.T, f *fakeConn, n int) []Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(f.snapshot()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return f.snapshot()
}

func TestBindAndSendToUser(t *testing.T) {
	h := New()
	conn := newFakeConn()
	c := NewClient(conn)
	defer c.Close()

	h.Bind("u1", c)
	assert.True(t, h.IsOnline("u1"))

	h.SendToUser("u1", Event{Type: "ping"})
	events := waitForEvents(t, conn, 1)
	assert.Equal(t, "ping", events[0].Type)
}

func TestSendToOfflineUserIsDropped(t *testing.T) {
	h := New()
	h.SendToUser("ghost", Event{Type: "ping"}) // must not panic
	assert.False(t, h.IsOnline("ghost"))
}

func TestUnbindOnlyByOwner(t *testing.T) {
	h := New()
	c1 := NewClient(newFakeConn())
	c2 := NewClient(newFakeConn())
	defer c1.Close()
	defer c2.Close()

	h.Bind("u1", c1)
	assert.False(t, h.Unbind("u1", c2), "a foreign connection cannot unbind")
	assert.True(t, h.IsOnline("u1"))

	assert.True(t, h.Unbind("u1", c1))
	assert.False(t, h.IsOnline("u1"))
}

func TestLastWriterWinsBinding(t *testing.T) {
	h := New()
	conn1, conn2 := newFakeConn(), newFakeConn()
	c1, c2 := NewClient(conn1), NewClient(conn2)
	defer c1.Close()
	defer c2.Close()

	h.Bind("u1", c1)
	h.Bind("u1", c2)

	h.SendToUser("u1", Event{Type: "ping"})
	waitForEvents(t, conn2, 1)
	assert.Empty(t, conn1.snapshot(), "orphaned session receives nothing")

	// The orphan closing later does not knock the live binding off.
	assert.False(t, h.Unbind("u1", c1))
	assert.True(t, h.IsOnline("u1"))
}

func TestOnlineUserIDsSorted(t *testing.T) {
	h := New()
	for _, id := range []string{"charlie", "alice", "bob"} {
		c := NewClient(newFakeConn())
		defer c.Close()
		h.Bind(id, c)
	}
	assert.Equal(t, []string{"alice", "bob", "charlie"}, h.OnlineUserIDs())
}

func TestBroadcastExcept(t *testing.T) {
	h := New()
	conns := map[string]*fakeConn{"a": newFakeConn(), "b": newFakeConn(), "c": newFakeConn()}
	for id, conn := range conns {
		c := NewClient(conn)
		defer c.Close()
		h.Bind(id, c)
	}

	h.Broadcast(Event{Type: "notice"}, "b")

	waitForEvents(t, conns["a"], 1)
	waitForEvents(t, conns["c"], 1)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conns["b"].snapshot(), "excluded user receives nothing")
}

func TestSendAfterCloseIsDiscarded(t *testing.T) {
	conn := newFakeConn()
	c := NewClient(conn)
	c.Close()

	c.Send(Event{Type: "ping"}) // must not panic or deliver
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, conn.snapshot())
	assert.True(t, c.Closed())
}

func TestSlowClientIsClosed(t *testing.T) {
	conn := newFakeConn()
	conn.gate = make(chan struct{}) // writes hang until the gate opens
	c := NewClient(conn)
	defer close(conn.gate)

	// One event stalls in the writer, sendBuffer more fill the queue, and
	// the next one must trip the slow-peer close.
	for i := 0; i < sendBuffer+2; i++ {
		c.Send(Event{Type: "flood"})
	}
	assert.Eventually(t, c.Closed, 2*time.Second, 5*time.Millisecond)
}
