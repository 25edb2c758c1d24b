package session

import (
	"bufio"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ptymux/ptymuxd/internal/wire"
)

// testClient wraps a raw connection to a Listener's socket with framed
// send/recv helpers, mirroring how a real front-end would speak the
// protocol.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestClient(t *testing.T, socketPath string) *testClient {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("unix", socketPath)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (c *testClient) sendMsg(msg wire.ClientMessage) {
	c.t.Helper()
	payload, err := wire.EncodeClient(msg)
	if err != nil {
		c.t.Fatalf("encode: %v", err)
	}
	w := bufio.NewWriter(c.conn)
	if err := wire.WriteFrame(w, payload); err != nil {
		c.t.Fatalf("write frame: %v", err)
	}
}

func (c *testClient) recvMsg() wire.ServerMessage {
	c.t.Helper()
	c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	payload, err := wire.ReadFrame(c.r)
	if err != nil {
		c.t.Fatalf("read frame: %v", err)
	}
	msg, err := wire.DecodeServer(payload)
	if err != nil {
		c.t.Fatalf("decode: %v", err)
	}
	return msg
}

func (c *testClient) recvUntil(kind string) wire.ServerMessage {
	c.t.Helper()
	for i := 0; i < 20; i++ {
		msg := c.recvMsg()
		if msg.Kind == kind {
			return msg
		}
	}
	c.t.Fatalf("never saw message kind %q", kind)
	return wire.ServerMessage{}
}

// hello performs the full handshake: the server sends Welcome
// proactively on connect, then the client sends Hello and expects an
// Ack (spec §4.1, §8 scenario 1).
func (c *testClient) hello() {
	c.recvUntil(wire.KindWelcome)
	c.sendMsg(wire.ClientMessage{Kind: wire.KindHello, Hello: &wire.Hello{ProtocolVersion: wire.ProtocolVersion}})
	ack := c.recvUntil(wire.KindAck)
	if ack.Ack.ForCommand != wire.KindHello {
		c.t.Fatalf("expected ack for hello, got %+v", ack.Ack)
	}
}

func startTestListener(t *testing.T) (*Listener, string) {
	t.Helper()
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "ptymuxd.sock")
	mgr := NewManager()
	l := NewListener(socketPath, "test", mgr)
	go l.Run()
	t.Cleanup(l.Shutdown)
	return l, socketPath
}

func TestListenerSendsWelcomeBeforeReadingAnyClientMessage(t *testing.T) {
	_, socketPath := startTestListener(t)
	c := dialTestClient(t, socketPath)
	// No message has been sent yet; the daemon must still produce Welcome.
	msg := c.recvMsg()
	if msg.Kind != wire.KindWelcome {
		t.Fatalf("expected welcome sent proactively, got %q", msg.Kind)
	}
}

func TestListenerHandshakeRejectsWrongProtocolVersion(t *testing.T) {
	_, socketPath := startTestListener(t)
	c := dialTestClient(t, socketPath)
	c.recvUntil(wire.KindWelcome)
	c.sendMsg(wire.ClientMessage{Kind: wire.KindHello, Hello: &wire.Hello{ProtocolVersion: 99}})
	msg := c.recvMsg()
	if msg.Kind != wire.KindError {
		t.Fatalf("expected error, got %q", msg.Kind)
	}
}

func TestListenerCreateChannelAcksBeforeBroadcast(t *testing.T) {
	_, socketPath := startTestListener(t)

	a := dialTestClient(t, socketPath)
	a.hello()
	b := dialTestClient(t, socketPath)
	b.hello()

	name := "chan1"
	cmd := "echo hi"
	a.sendMsg(wire.ClientMessage{Kind: wire.KindCreateChannel, CreateChannel: &wire.CreateChannel{Name: name, Command: &cmd}})

	ack := a.recvUntil(wire.KindAck)
	if ack.Ack.ForCommand != wire.KindCreateChannel {
		t.Fatalf("expected ack for create_channel, got %+v", ack.Ack)
	}
	// The requester's Created event must come right after its Ack.
	if own := a.recvMsg(); own.Kind != wire.KindEvent || own.Event.Kind != wire.EventCreated {
		t.Fatalf("expected created event right after ack, got %+v", own)
	}

	ev := b.recvUntil(wire.KindEvent)
	if ev.Event.Kind != wire.EventCreated || ev.Event.Created.Name != name {
		t.Fatalf("expected created event for %q, got %+v", name, ev.Event)
	}
}

func TestListenerSubscribeReplaysBufferedOutput(t *testing.T) {
	_, socketPath := startTestListener(t)

	a := dialTestClient(t, socketPath)
	a.hello()

	name := "chan1"
	cmd := "echo hi"
	a.sendMsg(wire.ClientMessage{Kind: wire.KindCreateChannel, CreateChannel: &wire.CreateChannel{Name: name, Command: &cmd}})
	a.recvUntil(wire.KindAck)

	// Give the channel time to produce output before a late subscriber
	// arrives.
	time.Sleep(200 * time.Millisecond)

	late := dialTestClient(t, socketPath)
	late.hello()
	late.sendMsg(wire.ClientMessage{Kind: wire.KindSubscribe, Subscribe: &wire.Subscribe{Channels: []string{name}}})

	sawOutput := false
	for i := 0; i < 30 && !sawOutput; i++ {
		msg := late.recvMsg()
		if msg.Kind == wire.KindOutput && msg.Output.Channel == name {
			sawOutput = true
		}
	}
	if !sawOutput {
		t.Fatal("expected late subscriber to receive replayed output")
	}
}

func TestListenerKillChannelBroadcastsKilledEvent(t *testing.T) {
	_, socketPath := startTestListener(t)

	a := dialTestClient(t, socketPath)
	a.hello()

	name := "chan1"
	cmd := "sleep 30"
	a.sendMsg(wire.ClientMessage{Kind: wire.KindCreateChannel, CreateChannel: &wire.CreateChannel{Name: name, Command: &cmd}})
	a.recvUntil(wire.KindAck)
	a.recvUntil(wire.KindEvent) // created, broadcast to every client including the requester

	a.sendMsg(wire.ClientMessage{Kind: wire.KindKillChannel, KillChannel: &wire.KillChannel{Name: name}})
	a.recvUntil(wire.KindAck)

	ev := a.recvUntil(wire.KindEvent)
	if ev.Event.Kind != wire.EventKilled {
		t.Fatalf("expected killed event, got %+v", ev.Event)
	}
}

func TestListenerOversizeFrameIsRejected(t *testing.T) {
	_, socketPath := startTestListener(t)
	c := dialTestClient(t, socketPath)
	// Drain the proactive Welcome before exercising the bad frame.
	c.recvUntil(wire.KindWelcome)

	hdr := []byte{0x7f, 0xff, 0xff, 0xff}
	if _, err := c.conn.Write(hdr); err != nil {
		t.Fatalf("write oversize header: %v", err)
	}

	c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 16)
	_, err := c.conn.Read(buf)
	if err == nil {
		t.Fatal("expected connection to be closed after oversize frame")
	}
}

func TestListenerStaleSocketIsRecovered(t *testing.T) {
	dir := t.TempDir()
	socketPath := filepath.Join(dir, "ptymuxd.sock")

	// Simulate a crashed daemon: a socket file with nothing listening.
	stale, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("create stale socket: %v", err)
	}
	// Close would otherwise unlink the file it created.
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	stale.Close()
	if _, err := os.Stat(socketPath); err != nil {
		t.Fatalf("expected stale socket file to remain on disk: %v", err)
	}

	mgr := NewManager()
	l := NewListener(socketPath, "test", mgr)
	errCh := make(chan error, 1)
	go func() { errCh <- l.Run() }()
	defer l.Shutdown()

	c := dialTestClient(t, socketPath)
	c.hello()

	select {
	case err := <-errCh:
		t.Fatalf("Run returned early: %v", err)
	default:
	}
}
