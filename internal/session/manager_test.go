package session

import (
	"errors"
	"testing"
	"time"

	"github.com/ptymux/ptymuxd/internal/channel"
)

func TestManagerCreateFirstChannelBecomesActive(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "a", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := m.Active(); got != "a" {
		t.Fatalf("expected active %q, got %q", "a", got)
	}
}

func TestManagerCreateDuplicateNameFails(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "x", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := m.Create(channel.Config{Name: "x", Command: "sleep 5"})
	if !errors.Is(err, ErrChannelExists) {
		t.Fatalf("expected ErrChannelExists, got %v", err)
	}
	if len(m.Names()) != 1 {
		t.Fatalf("expected exactly one channel to be registered, got %v", m.Names())
	}
}

func TestManagerKillActiveReassignsActive(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "a", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := m.Create(channel.Config{Name: "b", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create b: %v", err)
	}
	if err := m.Kill("a"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if got := m.Active(); got != "b" {
		t.Fatalf("expected active to move to %q, got %q", "b", got)
	}
}

func TestManagerKillLastChannelClearsActive(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "only", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.Kill("only"); err != nil {
		t.Fatalf("Kill: %v", err)
	}
	if got := m.Active(); got != "" {
		t.Fatalf("expected no active channel, got %q", got)
	}
}

func TestManagerKillUnknownFails(t *testing.T) {
	m := NewManager()
	if err := m.Kill("nope"); !errors.Is(err, ErrChannelNotFound) {
		t.Fatalf("expected ErrChannelNotFound, got %v", err)
	}
}

func TestManagerSendInputWithNoActiveChannelFails(t *testing.T) {
	m := NewManager()
	if err := m.SendInput([]byte("x")); !errors.Is(err, ErrNoActiveChannel) {
		t.Fatalf("expected ErrNoActiveChannel, got %v", err)
	}
}

func TestManagerSubscribeIgnoresUnknownNames(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "a", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Subscribe([]string{"a", "does-not-exist"})
	if !m.IsSubscribed("a") {
		t.Fatal("expected a to be subscribed")
	}
	if m.IsSubscribed("does-not-exist") {
		t.Fatal("expected unknown channel to not be subscribed")
	}
}

func TestManagerSubscribeIsIdempotent(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "a", Command: "sleep 5"}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.Subscribe([]string{"a"})
	m.Subscribe([]string{"a"})
	if !m.IsSubscribed("a") {
		t.Fatal("expected a to be subscribed")
	}
}

func TestManagerEventsCarryOutputAndTerminalState(t *testing.T) {
	m := NewManager()
	if _, err := m.Create(channel.Config{Name: "echo", Command: "echo hi"}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	sawOutput := false
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-m.Events():
			switch e := ev.(type) {
			case channel.OutputEvent:
				sawOutput = sawOutput || e.Channel == "echo"
			case channel.StateChangedEvent:
				if e.State.Terminal() {
					if !sawOutput {
						t.Fatal("expected output before terminal state")
					}
					return
				}
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}
