package session

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ptymux/ptymuxd/internal/channel"
	"github.com/ptymux/ptymuxd/internal/wire"
)

// Listener is the Session Listener (spec §4.5): it owns the Unix domain
// socket, accepts client connections, runs the per-client handshake and
// message loop, and pumps Channel Manager events out to every subscribed
// client. Grounded on the teacher's internal/server/websocket.go
// accept/stream-loop shape, generalized from one WebSocket-per-repo to a
// shared local socket with a subscriber set per client.
type Listener struct {
	socketPath  string
	sessionID   uuid.UUID
	sessionName string

	mgr *Manager

	defaults ChannelDefaults

	mailboxCap int
	replayCap  int

	mu      sync.RWMutex
	clients map[uuid.UUID]*clientConn

	replayMu sync.Mutex
	replay   map[string]*replayBuffer

	ln net.Listener

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
}

// NewListener constructs a Listener bound to socketPath, fronting mgr,
// using package-default mailbox and replay capacities.
func NewListener(socketPath, sessionName string, mgr *Manager) *Listener {
	return NewListenerWithCapacities(socketPath, sessionName, mgr, defaultMailboxCap, replayCap)
}

// NewListenerWithCapacities is NewListener with explicit mailbox and
// replay-buffer capacities and zero-valued channel defaults (spec §5:
// every bounded queue is sized, not hardcoded). The daemon entrypoint
// uses NewListenerWithOptions instead.
func NewListenerWithCapacities(socketPath, sessionName string, mgr *Manager, mailboxCap, replayBufferCap int) *Listener {
	l := NewListenerWithOptions(socketPath, sessionName, mgr, ChannelDefaults{}, mailboxCap, replayBufferCap)
	return l
}

// ChannelDefaults fills in a CreateChannel request's unset fields,
// sourced from config.ChannelConfig by the daemon entrypoint.
type ChannelDefaults struct {
	Shell      string
	WorkingDir string
	Cols, Rows uint16
}

// NewListenerWithOptions is the fully-parameterized constructor: channel
// defaults plus mailbox/replay capacities.
func NewListenerWithOptions(socketPath, sessionName string, mgr *Manager, defaults ChannelDefaults, mailboxCap, replayBufferCap int) *Listener {
	return &Listener{
		socketPath:  socketPath,
		sessionID:   uuid.New(),
		sessionName: sessionName,
		mgr:         mgr,
		defaults:    defaults,
		mailboxCap:  mailboxCap,
		replayCap:   replayBufferCap,
		clients:     make(map[uuid.UUID]*clientConn),
		replay:      make(map[string]*replayBuffer),
		shutdownCh:  make(chan struct{}),
	}
}

// Run binds the socket and serves clients until ctx-independent Shutdown
// is called or the listener is closed. It implements spec §4.5's startup
// sequence: ensure the parent directory exists, recover a stale socket
// left by a crashed previous daemon, bind, start the event pump, then
// accept connections until shutdown.
func (l *Listener) Run() error {
	if err := os.MkdirAll(filepath.Dir(l.socketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := l.recoverStaleSocket(); err != nil {
		return err
	}

	ln, err := net.Listen("unix", l.socketPath)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", l.socketPath, err)
	}
	l.ln = ln

	go l.eventPump()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdownCh:
				return nil
			default:
				return fmt.Errorf("accept: %w", err)
			}
		}
		go l.handleClient(conn)
	}
}

// recoverStaleSocket removes a socket file left behind by a daemon that
// did not shut down cleanly. It dials the existing path first: a live
// daemon would accept (or refuse) the connection, a dead one leaves a
// file nothing is listening on, which dial reports as connection refused.
func (l *Listener) recoverStaleSocket() error {
	_, err := os.Stat(l.socketPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}

	conn, dialErr := net.DialTimeout("unix", l.socketPath, time.Second)
	if dialErr == nil {
		conn.Close()
		return fmt.Errorf("socket %q is already in use by a running daemon", l.socketPath)
	}

	if rmErr := os.Remove(l.socketPath); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
		return fmt.Errorf("remove stale socket: %w", rmErr)
	}
	return nil
}

// Shutdown stops accepting connections, disconnects every client, kills
// every channel best-effort, and removes the socket file (spec §4.5).
func (l *Listener) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownCh)
		if l.ln != nil {
			l.ln.Close()
		}

		l.mu.Lock()
		clients := make([]*clientConn, 0, len(l.clients))
		for _, c := range l.clients {
			clients = append(clients, c)
		}
		l.clients = make(map[uuid.UUID]*clientConn)
		l.mu.Unlock()
		for _, c := range clients {
			c.close()
		}

		l.mgr.KillAll()

		if err := os.Remove(l.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			log.Printf("remove socket %q: %v", l.socketPath, err)
		}
	})
}

func (l *Listener) replayBufferFor(name string) *replayBuffer {
	l.replayMu.Lock()
	defer l.replayMu.Unlock()
	b, ok := l.replay[name]
	if !ok {
		b = newReplayBuffer(l.replayCap)
		l.replay[name] = b
	}
	return b
}

// handleClient runs the handshake then the message loop for one
// connection; it always removes the client and closes the connection on
// return.
func (l *Listener) handleClient(conn net.Conn) {
	c := newClientConn(conn, l.mailboxCap)

	l.mu.Lock()
	l.clients[c.id] = c
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.clients, c.id)
		l.mu.Unlock()
		c.close()
	}()

	go c.writerLoop()

	r := bufio.NewReader(conn)

	// Welcome is sent proactively, before any client message is read
	// (spec §4.1, §4.5 steps 3/5, §8 scenario 1): a spec-conformant
	// client reads Welcome first and would deadlock against a server
	// that waits for Hello before replying.
	c.send(wire.NewWelcome(l.sessionID.String(), wire.ProtocolVersion))
	if active := l.mgr.Active(); active != "" {
		c.subscribe([]string{active})
		l.replayTo(c, active)
	}

	for {
		payload, err := wire.ReadFrame(r)
		if err != nil {
			return
		}
		msg, err := wire.DecodeClient(payload)
		if err != nil {
			c.send(wire.NewError(err.Error()))
			continue
		}
		if done := l.dispatch(c, msg); done {
			return
		}
	}
}

// replayTo flushes name's buffered output directly to c, in order.
func (l *Listener) replayTo(c *clientConn, name string) {
	for _, chunk := range l.replayBufferFor(name).snapshot() {
		c.send(wire.NewOutput(name, chunk.data, chunk.ts))
	}
}

// dispatch handles one decoded client message. It returns true when the
// connection should be closed after this call (Detach or Shutdown). A bad
// Hello or an unknown kind gets an Error reply and the connection stays
// open.
func (l *Listener) dispatch(c *clientConn, msg wire.ClientMessage) bool {
	switch msg.Kind {
	case wire.KindHello:
		l.handleHello(c, msg.Hello)
	case wire.KindCreateChannel:
		l.handleCreateChannel(c, msg.CreateChannel)
	case wire.KindKillChannel:
		l.handleKillChannel(c, msg.KillChannel)
	case wire.KindSwitchChannel:
		l.handleSwitchChannel(c, msg.SwitchChannel)
	case wire.KindInput:
		l.handleInput(c, msg.Input)
	case wire.KindInputTo:
		l.handleInputTo(c, msg.InputTo)
	case wire.KindResize:
		l.handleResize(msg.Resize)
	case wire.KindSubscribe:
		l.handleSubscribe(c, msg.Subscribe)
	case wire.KindUnsubscribe:
		l.handleUnsubscribe(c, msg.Unsubscribe)
	case wire.KindListChannels:
		l.handleListChannels(c)
	case wire.KindGetStatus:
		l.handleGetStatus(c, msg.GetStatus)
	case wire.KindDetach:
		c.send(wire.NewAck(wire.KindDetach))
		return true
	case wire.KindShutdown:
		c.send(wire.NewAck(wire.KindShutdown))
		go l.Shutdown()
		return true
	default:
		c.send(wire.NewError(fmt.Sprintf("unknown message kind %q", msg.Kind)))
	}
	return false
}

// handleHello acknowledges a Hello arriving after Welcome has already
// been sent -- the daemon doesn't wait on Hello to proceed, it just
// acks it (spec §4.5, §8 scenario 1; original_source/src/server/listener.rs
// "Already sent welcome, just acknowledge").
func (l *Listener) handleHello(c *clientConn, req *wire.Hello) {
	if req == nil {
		c.send(wire.NewError("hello: missing payload"))
		return
	}
	if req.ProtocolVersion != wire.ProtocolVersion {
		c.send(wire.NewError(fmt.Sprintf("unsupported protocol version %d", req.ProtocolVersion)))
		return
	}
	c.send(wire.NewAck(wire.KindHello))
}

func (l *Listener) handleCreateChannel(c *clientConn, req *wire.CreateChannel) {
	if req == nil {
		c.send(wire.NewError("create_channel: missing payload"))
		return
	}
	cfg := channel.Config{
		Name:       req.Name,
		WorkingDir: l.defaults.WorkingDir,
		Cols:       l.defaults.Cols,
		Rows:       l.defaults.Rows,
	}
	if l.defaults.Shell != "" {
		cfg.Command = l.defaults.Shell
	}
	if req.Command != nil {
		cfg.Command = *req.Command
	}
	if req.WorkingDir != nil {
		cfg.WorkingDir = *req.WorkingDir
	}

	if _, err := l.mgr.Create(cfg); err != nil {
		c.send(wire.NewError(err.Error()))
		return
	}

	// Ack reaches the requesting client before the broadcast below, so it
	// always observes its own creation before the Created event (spec §8
	// scenario 2).
	c.send(wire.NewAck(wire.KindCreateChannel))
	l.broadcast(wire.NewEvent(wire.EventCreatedEvent(req.Name)))
}

func (l *Listener) handleKillChannel(c *clientConn, req *wire.KillChannel) {
	if req == nil {
		c.send(wire.NewError("kill_channel: missing payload"))
		return
	}
	if err := l.mgr.Kill(req.Name); err != nil {
		c.send(wire.NewError(err.Error()))
		return
	}
	c.send(wire.NewAck(wire.KindKillChannel))
}

func (l *Listener) handleSwitchChannel(c *clientConn, req *wire.SwitchChannel) {
	if req == nil {
		c.send(wire.NewError("switch_channel: missing payload"))
		return
	}
	if err := l.mgr.SwitchActive(req.Name); err != nil {
		c.send(wire.NewError(err.Error()))
		return
	}
	c.send(wire.NewAck(wire.KindSwitchChannel))
	l.broadcast(wire.NewEvent(wire.EventActiveChangedEvent(req.Name)))
}

func (l *Listener) handleInput(c *clientConn, req *wire.Input) {
	if req == nil {
		return
	}
	if err := l.mgr.SendInput(req.Data); err != nil {
		c.send(wire.NewError(err.Error()))
	}
}

func (l *Listener) handleInputTo(c *clientConn, req *wire.InputTo) {
	if req == nil {
		return
	}
	if err := l.mgr.SendInputTo(req.Channel, req.Data); err != nil {
		c.send(wire.NewError(err.Error()))
	}
}

func (l *Listener) handleResize(req *wire.Resize) {
	if req == nil {
		return
	}
	l.mgr.ResizeAll(req.Cols, req.Rows)
}

func (l *Listener) handleSubscribe(c *clientConn, req *wire.Subscribe) {
	if req == nil {
		return
	}
	names := req.Channels
	for _, n := range names {
		if n == "*" {
			names = l.mgr.Names()
			break
		}
	}

	known := make(map[string]struct{}, len(l.mgr.Names()))
	for _, n := range l.mgr.Names() {
		known[n] = struct{}{}
	}
	added := make([]string, 0, len(names))
	for _, n := range names {
		if _, ok := known[n]; ok {
			added = append(added, n)
		} else {
			log.Printf("subscribe: ignoring unknown channel %q", n)
		}
	}

	newSet := c.subscribe(added)
	for _, n := range added {
		l.replayTo(c, n)
	}
	c.send(wire.NewEvent(wire.EventSubscriptionChangedEvent(newSet)))
}

func (l *Listener) handleUnsubscribe(c *clientConn, req *wire.Unsubscribe) {
	if req == nil {
		return
	}
	newSet := c.unsubscribe(req.Channels)
	c.send(wire.NewEvent(wire.EventSubscriptionChangedEvent(newSet)))
}

func (l *Listener) handleListChannels(c *clientConn) {
	summaries := l.mgr.List()
	infos := make([]wire.ChannelInfo, 0, len(summaries))
	for _, s := range summaries {
		infos = append(infos, wire.ChannelInfo{
			Name:         s.Name,
			Running:      s.Running,
			IsActive:     s.IsActive,
			IsSubscribed: c.isSubscribed(s.Name),
		})
	}
	c.send(wire.ServerMessage{Kind: wire.KindChannelList, ChannelList: &wire.ChannelList{Channels: infos}})
}

func (l *Listener) handleGetStatus(c *clientConn, req *wire.GetStatus) {
	var names []string
	if req != nil && req.Channel != nil {
		names = []string{*req.Channel}
	} else {
		names = l.mgr.Names()
	}

	statuses := make([]wire.ChannelStatus, 0, len(names))
	for _, name := range names {
		ch, ok := l.mgr.Get(name)
		if !ok {
			continue
		}
		st := ch.State()
		var pid *int
		if st.Alive() {
			p := ch.PID()
			pid = &p
		}
		statuses = append(statuses, wire.ChannelStatus{
			Name:        ch.Name(),
			PID:         pid,
			Running:     st.Alive(),
			ExitCode:    st.ExitCode,
			WorkingDir:  ch.WorkingDir(),
			Command:     ch.Command(),
			CreatedAt:   ch.CreatedAt().Unix(),
			OutputLines: ch.OutputLines(),
		})
	}
	c.send(wire.ServerMessage{Kind: wire.KindStatus, Status: &wire.Status{Channels: statuses}})
}

func (l *Listener) broadcast(msg wire.ServerMessage) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.clients {
		if !c.sendLifecycle(msg) {
			log.Printf("client %s: dropped lifecycle message kind %q", c.id, msg.Kind)
		}
	}
}

// eventPump consumes the Channel Manager's event stream forever,
// appending output to the per-channel replay buffer and fanning it out
// to subscribed clients, and broadcasting terminal lifecycle transitions
// to every client (spec §4.5).
func (l *Listener) eventPump() {
	for ev := range l.mgr.Events() {
		switch e := ev.(type) {
		case channel.OutputEvent:
			l.replayBufferFor(e.Channel).append(e.Data, time.Now().UnixMilli())
			l.fanOutOutput(e)
		case channel.StateChangedEvent:
			l.handleStateChanged(e)
		}
	}
}

func (l *Listener) fanOutOutput(e channel.OutputEvent) {
	msg := wire.NewOutput(e.Channel, e.Data, time.Now().UnixMilli())
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, c := range l.clients {
		if c.isSubscribed(e.Channel) {
			if !c.send(msg) {
				log.Printf("client %s: mailbox full, dropping output for %q", c.id, e.Channel)
			}
		}
	}
}

func (l *Listener) handleStateChanged(e channel.StateChangedEvent) {
	// Running is announced synchronously by the CreateChannel handler
	// alongside the requester's Ack; the pump never broadcasts it.
	if !e.State.Terminal() {
		return
	}

	l.mu.RLock()
	clients := make([]*clientConn, 0, len(l.clients))
	for _, c := range l.clients {
		clients = append(clients, c)
	}
	l.mu.RUnlock()

	for _, c := range clients {
		if c.isSubscribed(e.Channel) {
			newSet := c.unsubscribe([]string{e.Channel})
			c.sendLifecycle(wire.NewEvent(wire.EventSubscriptionChangedEvent(newSet)))
		}
	}

	if e.State.Phase == channel.Killed {
		l.broadcast(wire.NewEvent(wire.EventKilledEvent(e.Channel)))
	} else {
		l.broadcast(wire.NewEvent(wire.EventExitedEvent(e.Channel, e.State.ExitCode)))
	}
}
