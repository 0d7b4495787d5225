package hub

import (
	"log"
	"sync"
)

// sendBuffer is the per-client outbound queue. A peer that falls this far
// behind is closed rather than allowed to stall the writer.
const sendBuffer = 256

// Conn is the minimal interface a transport connection must satisfy.
// *websocket.Conn implements it.
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Client wraps a connection with a buffered outbound queue drained by a
// single writer goroutine, so state mutators never block on a slow socket.
type Client struct {
	conn Conn
	send chan Event
	done chan struct{}
	once sync.Once
}

func NewClient(conn Conn) *Client {
	c := &Client{
		conn: conn,
		send: make(chan Event, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Client) writeLoop() {
	for {
		select {
		case ev := <-c.send:
			if err := c.conn.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send enqueues an event. Events for a closed client are silently discarded;
// a client whose buffer is full is closed as a slow peer.
func (c *Client) Send(ev Event) {
	select {
	case <-c.done:
		return
	default:
	}

	select {
	case c.send <- ev:
	case <-c.done:
	default:
		log.Printf("hub: outbound buffer full, closing slow client")
		c.Close()
	}
}

// Close shuts the writer down and closes the underlying connection. Safe to
// call more than once.
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

// Closed reports whether the client has been closed.
func (c *Client) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
