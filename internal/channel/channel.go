// Package channel implements the PTY Channel: one pseudo-terminal plus one
// child process, with bidirectional I/O, resize, kill, and lifecycle
// tracking (spec §4.2). Grounded on the teacher's internal/terminal
// package (pty.go, session.go), generalized from a single ad-hoc terminal
// session into the spec's named, event-sink-driven Channel.
package channel

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync/atomic"
	"time"
)

// ErrChannelNotAlive is returned by Write when the channel is not in
// Starting or Running.
var ErrChannelNotAlive = errors.New("channel not alive")

const readBufSize = 4 * 1024 // spec §4.2: reader reads up to 4 KiB at a time

// Config describes a channel to be created.
type Config struct {
	Name       string
	Command    string // shell command line; empty means $SHELL
	WorkingDir string // empty means the daemon's current directory
	Env        map[string]string
	Cols, Rows uint16
}

// Channel is one PTY + child process, identified by Name within its
// session. The zero value is not usable; construct with New.
type Channel struct {
	name       string
	command    string
	workingDir string
	createdAt  time.Time

	pty *pty_

	state *stateBox

	outputLines atomic.Int64

	sink chan<- Event

	killed atomic.Bool
}

// New spawns the PTY and child process described by cfg and starts its
// reader and waiter activities. Events are published to sink, which the
// caller owns (the Channel never closes it — spec design note: "channels
// do not hold back-pointers to the manager").
func New(cfg Config, sink chan<- Event) (*Channel, error) {
	command := cfg.Command
	if command == "" {
		command = os.Getenv("SHELL")
		if command == "" {
			command = "/bin/sh"
		}
	}

	cmd := exec.Command(shellPath(), "-c", command)
	if cfg.WorkingDir != "" {
		cmd.Dir = cfg.WorkingDir
	}

	env := os.Environ()
	hasTerm := false
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
		if k == "TERM" {
			hasTerm = true
		}
	}
	if !hasTerm {
		env = append(env, "TERM=xterm-256color")
	}
	cmd.Env = env

	cols, rows := cfg.Cols, cfg.Rows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	p, err := startPTY(cmd, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("spawn channel %q: %w", cfg.Name, err)
	}

	c := &Channel{
		name:       cfg.Name,
		command:    command,
		workingDir: cfg.WorkingDir,
		createdAt:  time.Now(),
		pty:        p,
		state:      newStateBox(Running),
		sink:       sink,
	}

	go c.readLoop()
	go c.waitLoop()

	return c, nil
}

func shellPath() string {
	if sh := os.Getenv("SHELL"); sh != "" {
		return sh
	}
	return "/bin/sh"
}

func (c *Channel) Name() string { return c.name }

func (c *Channel) Command() string { return c.command }

func (c *Channel) WorkingDir() string { return c.workingDir }

func (c *Channel) CreatedAt() time.Time { return c.createdAt }

func (c *Channel) PID() int { return c.pty.pid() }

func (c *Channel) State() State { return c.state.get() }

func (c *Channel) OutputLines() int64 { return c.outputLines.Load() }

// Write sends bytes to the PTY master. It fails if the channel is not
// alive; otherwise it blocks on the PTY writer's mutex, not the caller's
// goroutine scheduler.
func (c *Channel) Write(data []byte) error {
	if !c.state.get().Alive() {
		return ErrChannelNotAlive
	}
	_, err := c.pty.write(data)
	return err
}

// Resize updates the PTY's terminal size. It is idempotent and succeeds
// even if the child has already exited (best-effort, spec §4.2): once the
// channel has sealed, a resize failure (e.g. the master already closed)
// is swallowed rather than surfaced.
func (c *Channel) Resize(cols, rows uint16) error {
	err := c.pty.resize(cols, rows)
	if err != nil && c.state.get().Terminal() {
		return nil
	}
	return err
}

// Kill signals the child process and marks the channel Killed. It
// returns once the signal has been delivered, not once the child has
// been reaped. A second call is a no-op (spec §4.2, §8 idempotence).
func (c *Channel) Kill() error {
	if !c.killed.CompareAndSwap(false, true) {
		return nil
	}
	if err := c.pty.signal(); err != nil {
		return fmt.Errorf("kill channel %q: %w", c.name, err)
	}
	if c.state.transition(State{Phase: Killed}) {
		c.publish(StateChangedEvent{Channel: c.name, State: State{Phase: Killed}})
	}
	return nil
}

func (c *Channel) publish(ev Event) {
	select {
	case c.sink <- ev:
	default:
		// The event sink is the single path to every client; spec §5
		// bounds it, but the channel itself never blocks a goroutine
		// whose only job is to seal the stream. A full sink here means
		// the event pump has stalled; the drop is logged here.
		log.Printf("channel %q: event sink full, dropping %T", c.name, ev)
	}
}

// readLoop copies PTY output into the event sink until EOF or error.
// Single-threaded per channel, so events for this channel are delivered
// in the order produced (spec §4.3 ordering guarantee).
func (c *Channel) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := c.pty.read(buf)
		if n > 0 {
			chunk := append([]byte(nil), buf[:n]...)
			for _, b := range chunk {
				if b == '\n' {
					c.outputLines.Add(1)
				}
			}
			c.publish(OutputEvent{Channel: c.name, Data: chunk})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				log.Printf("channel %q: read error: %v", c.name, err)
			}
			return
		}
	}
}

// waitLoop blocks on the child process and seals the channel's lifecycle
// once it exits, unless Kill() already sealed it.
func (c *Channel) waitLoop() {
	_ = c.pty.wait()

	// cmd.Wait always populates ProcessState once it returns, even on a
	// non-zero exit (exec.ExitError wraps the same ProcessState); it is
	// nil only if Wait itself could not observe the child, in which case
	// spec §4.2 calls for Exited(None).
	var code *int
	if ps := c.pty.cmd.ProcessState; ps != nil {
		ec := ps.ExitCode()
		code = &ec
	}

	next := State{Phase: Exited, ExitCode: code}
	if c.state.transition(next) {
		c.publish(StateChangedEvent{Channel: c.name, State: next})
	}
	c.pty.close()
}
