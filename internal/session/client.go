package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/medrill/pulsegate/internal/sim"
)

const (
	// sendQueueSize bounds the per-client outbound queue. A client that
	// cannot drain this many frames is a slow consumer and gets dropped.
	sendQueueSize = 32

	// writeTimeout caps a single transport write.
	writeTimeout = 5 * time.Second
)

// Conn is the write half of a client transport. The gateway adapts the
// websocket connection to it.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Client is one connected participant's handle inside a session. Outbound
// frames are enqueued by [Client.Send] and drained FIFO by a dedicated writer
// goroutine, so a stalled transport never blocks a broadcaster.
//
// Handles are created by [Registry.Join] and removed by [Registry.Leave] or
// by the registry's sweep when a send fails.
type Client struct {
	SessionID   string
	UserID      string
	Role        sim.Role
	DisplayName string
	Character   string

	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	broken   atomic.Bool
	speaking atomic.Bool
}

func newClient(conn Conn, sessionID, userID string, role sim.Role, displayName string) *Client {
	c := &Client{
		SessionID:   sessionID,
		UserID:      userID,
		Role:        role,
		DisplayName: displayName,
		conn:        conn,
		send:        make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// Send enqueues msg for delivery and never blocks. A full queue means the
// client cannot keep up; the connection is dropped rather than stalling the
// caller. The return value reports whether the handle is still usable, so
// the registry can sweep dead handles on its next pass.
func (c *Client) Send(msg []byte) bool {
	if c.broken.Load() {
		return false
	}
	select {
	case <-c.done:
		return false
	case c.send <- msg:
		return true
	default:
		c.fail("slow consumer")
		return false
	}
}

// SetSpeaking updates the client's speaking indicator.
func (c *Client) SetSpeaking(on bool) { c.speaking.Store(on) }

// Speaking reports whether the client is currently marked as speaking.
func (c *Client) Speaking() bool { return c.speaking.Load() }

// Broken reports whether the handle has seen a failed or overflowed send.
func (c *Client) Broken() bool { return c.broken.Load() }

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, msg)
			cancel()
			if err != nil {
				slog.Debug("session: client write failed",
					"session_id", c.SessionID, "user_id", c.UserID, "err", err)
				c.fail("write failed")
				return
			}
		}
	}
}

// fail marks the handle broken and closes the transport. The registry reaps
// broken handles on its next broadcast pass.
func (c *Client) fail(reason string) {
	c.broken.Store(true)
	c.close(reason)
}

func (c *Client) close(reason string) {
	c.once.Do(func() {
		close(c.done)
		if err := c.conn.Close(reason); err != nil {
			slog.Debug("session: transport close failed",
				"session_id", c.SessionID, "user_id", c.UserID, "err", err)
		}
	})
}
