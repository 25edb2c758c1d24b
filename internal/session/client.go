package session

import (
	"bufio"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ptymux/ptymuxd/internal/wire"
)

// defaultMailboxCap bounds a client's outbound mailbox (spec §4.4, §5)
// when a Listener isn't constructed with an explicit capacity.
const defaultMailboxCap = 256

// lifecycleSendTimeout is the short bounded wait used when delivering a
// low-rate lifecycle event to a client whose mailbox is momentarily full
// (spec §4.5, §7 Backpressure): long enough to ride out a brief stall,
// short enough that the event pump never blocks indefinitely on one
// slow client.
const lifecycleSendTimeout = 50 * time.Millisecond

// clientConn is one attached front-end (spec §4.4): a UUID, a bounded
// outbound mailbox, a subscription set, and the reader/writer pair that
// drain it. Reader and writer are decoupled so a slow client's socket
// never blocks the message-processing path.
type clientConn struct {
	id   uuid.UUID
	conn net.Conn

	mailbox chan wire.ServerMessage

	mu   sync.Mutex
	subs map[string]struct{}

	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(conn net.Conn, mailboxCapacity int) *clientConn {
	return &clientConn{
		id:      uuid.New(),
		conn:    conn,
		mailbox: make(chan wire.ServerMessage, mailboxCapacity),
		subs:    make(map[string]struct{}),
		done:    make(chan struct{}),
	}
}

// send enqueues msg without blocking; output messages are dropped (with
// the drop left for the caller to log) rather than stall the sender.
// close() never closes the mailbox itself -- only done -- so a
// concurrent send can never race a close and panic.
func (c *clientConn) send(msg wire.ServerMessage) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.done:
		return false
	default:
		return false
	}
}

// sendLifecycle enqueues a low-rate lifecycle message, waiting briefly
// if the mailbox is momentarily full instead of dropping it immediately.
func (c *clientConn) sendLifecycle(msg wire.ServerMessage) bool {
	select {
	case c.mailbox <- msg:
		return true
	case <-c.done:
		return false
	default:
	}
	timer := time.NewTimer(lifecycleSendTimeout)
	defer timer.Stop()
	select {
	case c.mailbox <- msg:
		return true
	case <-timer.C:
		return false
	case <-c.done:
		return false
	}
}

// writerLoop drains the mailbox and writes frames until the client is
// closed or the connection errors.
func (c *clientConn) writerLoop() {
	w := bufio.NewWriter(c.conn)
	for {
		select {
		case msg := <-c.mailbox:
			payload, err := wire.EncodeServer(msg)
			if err != nil {
				continue
			}
			if err := wire.WriteFrame(w, payload); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// close marks the client done, ending writerLoop and every in-flight
// send/sendLifecycle, and closes the underlying connection. It
// deliberately never closes the mailbox: a send that raced close() would
// otherwise panic writing to a closed channel. Safe to call more than
// once.
func (c *clientConn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *clientConn) subscribe(names []string) (newSet []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		c.subs[n] = struct{}{}
	}
	return c.subscribedLocked()
}

func (c *clientConn) unsubscribe(names []string) (newSet []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, n := range names {
		delete(c.subs, n)
	}
	return c.subscribedLocked()
}

func (c *clientConn) isSubscribed(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[name]
	return ok
}

func (c *clientConn) subscribedLocked() []string {
	out := make([]string, 0, len(c.subs))
	for n := range c.subs {
		out = append(out, n)
	}
	return out
}

func (c *clientConn) subscribedList() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.subscribedLocked()
}
