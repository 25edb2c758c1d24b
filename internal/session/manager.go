// Package session implements the Channel Manager, Client Connection, and
// Session Listener (spec §4.3, §4.4, §4.5): the authoritative state of a
// session's channels, the per-client protocol loop, and the local-socket
// transport that ties them together. Grounded on the teacher's
// internal/terminal.Manager (map-of-sessions, create/remove, RWMutex) and
// internal/server/websocket.go (subscribe/replay/stream loop), generalized
// from one ad-hoc terminal-per-URL to the spec's named multi-channel,
// multi-client session.
package session

import (
	"fmt"
	"sync"

	"github.com/ptymux/ptymuxd/internal/channel"
)

// ErrChannelExists is returned by Create for a name already in use.
var ErrChannelExists = fmt.Errorf("channel already exists")

// ErrChannelNotFound is returned by operations addressing an unknown name.
var ErrChannelNotFound = fmt.Errorf("channel not found")

// ErrNoActiveChannel is returned by SendInput when no channel is active.
var ErrNoActiveChannel = fmt.Errorf("no active channel")

// eventChanCap bounds the Channel Manager's single event sink (spec §5:
// every mailbox and the event channel are bounded).
const eventChanCap = 256

// Summary is the per-channel view returned by List (spec §4.3).
type Summary struct {
	Name         string
	Running      bool
	IsActive     bool
	IsSubscribed bool
}

// Manager owns every Channel in a session plus the active-channel pointer
// and the session-level default subscription set (spec §4.3). A
// Listener built on top of it keeps per-client subscriptions instead;
// Manager's own subscribe/unsubscribe exist so the type is usable
// standalone, e.g. in tests, without a Listener.
type Manager struct {
	mu       sync.RWMutex
	channels map[string]*channel.Channel
	active   string // empty means none

	subs map[string]struct{}

	events chan channel.Event
}

// NewManager constructs a Manager with its own bounded event sink, sized
// to the package default capacity.
func NewManager() *Manager {
	return NewManagerWithCapacity(eventChanCap)
}

// NewManagerWithCapacity constructs a Manager whose event sink holds up
// to capacity events before a publisher starts dropping (spec §5); a
// daemon wires this to LimitsConfig.EventChanCapacity.
func NewManagerWithCapacity(capacity int) *Manager {
	return &Manager{
		channels: make(map[string]*channel.Channel),
		subs:     make(map[string]struct{}),
		events:   make(chan channel.Event, capacity),
	}
}

// Events returns the manager's single outbound event stream. The caller
// (the Session Listener in production) owns consuming it forever.
func (m *Manager) Events() <-chan channel.Event { return m.events }

// Create spawns a new channel. If it is the first channel in the
// session, it becomes active. Emits StateChanged{Running} on the event
// sink (the Session Listener's event pump does not broadcast this --
// Created is emitted synchronously by the message handler instead, so
// the originating client sees it alongside its Ack; see spec §4.5).
func (m *Manager) Create(cfg channel.Config) (*channel.Channel, error) {
	m.mu.Lock()
	if _, exists := m.channels[cfg.Name]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %q", ErrChannelExists, cfg.Name)
	}
	// Reserve the name before releasing the lock so a concurrent Create
	// for the same name cannot race past this check.
	m.channels[cfg.Name] = nil
	m.mu.Unlock()

	ch, err := channel.New(cfg, m.events)
	if err != nil {
		m.mu.Lock()
		delete(m.channels, cfg.Name)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.channels[cfg.Name] = ch
	isFirst := m.active == ""
	if isFirst {
		m.active = cfg.Name
	}
	m.mu.Unlock()

	select {
	case m.events <- channel.StateChangedEvent{Channel: cfg.Name, State: channel.State{Phase: channel.Running}}:
	default:
	}

	return ch, nil
}

// Get returns the named channel, or false if it doesn't exist.
func (m *Manager) Get(name string) (*channel.Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok && ch != nil
}

// Kill signals the named channel's process and marks it Killed; the
// channel stays registered, so a repeated Kill is a silent no-op. If it
// was active, another surviving channel (arbitrary pick) becomes active,
// or none if none remain.
func (m *Manager) Kill(name string) error {
	m.mu.RLock()
	ch, ok := m.channels[name]
	m.mu.RUnlock()
	if !ok || ch == nil {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}

	if err := ch.Kill(); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.subs, name)
	if m.active == name {
		m.active = ""
		for other, och := range m.channels {
			if other != name && och != nil && och.State().Alive() {
				m.active = other
				break
			}
		}
	}
	m.mu.Unlock()

	return nil
}

// SwitchActive sets the active channel; fails if name is unknown.
func (m *Manager) SwitchActive(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[name]; !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	m.active = name
	return nil
}

// Active returns the current active channel name, or "" if none.
func (m *Manager) Active() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active
}

// SendInput routes data to the active channel.
func (m *Manager) SendInput(data []byte) error {
	m.mu.RLock()
	name := m.active
	m.mu.RUnlock()
	if name == "" {
		return ErrNoActiveChannel
	}
	return m.SendInputTo(name, data)
}

// SendInputTo routes data to a named channel.
func (m *Manager) SendInputTo(name string, data []byte) error {
	ch, ok := m.Get(name)
	if !ok {
		return fmt.Errorf("%w: %q", ErrChannelNotFound, name)
	}
	return ch.Write(data)
}

// Subscribe adds channels to the session-level default subscription set,
// skipping names that do not exist. A redundant subscribe is a no-op.
func (m *Manager) Subscribe(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		if _, ok := m.channels[n]; ok {
			m.subs[n] = struct{}{}
		}
	}
}

// Unsubscribe removes channels from the session-level default set.
func (m *Manager) Unsubscribe(names []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, n := range names {
		delete(m.subs, n)
	}
}

// IsSubscribed reports session-level default subscription.
func (m *Manager) IsSubscribed(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.subs[name]
	return ok
}

// List returns a summary of every channel, reflecting the session-level
// default subscription set (a Listener overrides is_subscribed per
// client).
func (m *Manager) List() []Summary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Summary, 0, len(m.channels))
	for name, ch := range m.channels {
		if ch == nil {
			continue
		}
		_, subscribed := m.subs[name]
		out = append(out, Summary{
			Name:         name,
			Running:      ch.State().Alive(),
			IsActive:     name == m.active,
			IsSubscribed: subscribed,
		})
	}
	return out
}

// Names returns every live channel name, used to expand Subscribe{["*"]}.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.channels))
	for name, ch := range m.channels {
		if ch != nil {
			out = append(out, name)
		}
	}
	return out
}

// ResizeAll fans a resize out to every live channel, best-effort.
func (m *Manager) ResizeAll(cols, rows uint16) {
	m.mu.RLock()
	channels := make([]*channel.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch != nil {
			channels = append(channels, ch)
		}
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		_ = ch.Resize(cols, rows)
	}
}

// KillAll kills every live channel, best-effort, used on daemon shutdown.
func (m *Manager) KillAll() {
	m.mu.RLock()
	channels := make([]*channel.Channel, 0, len(m.channels))
	for _, ch := range m.channels {
		if ch != nil {
			channels = append(channels, ch)
		}
	}
	m.mu.RUnlock()

	for _, ch := range channels {
		_ = ch.Kill()
	}
}
