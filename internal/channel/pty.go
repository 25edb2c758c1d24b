package channel

import (
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// pty_ wraps the master side of a pseudo-terminal plus the child process
// attached to its slave end. Grounded on the teacher's internal/terminal/
// pty.go, generalized to the spec's write/resize/kill surface and to
// process-group signaling via golang.org/x/sys/unix instead of a bare
// syscall.Kill one-liner.
type pty_ struct {
	cmd *exec.Cmd
	f   *os.File

	writeMu sync.Mutex // spec §5: PTY writer behind its own mutex

	resizeMu sync.Mutex // spec §5: master handle behind its own mutex
}

func startPTY(cmd *exec.Cmd, cols, rows uint16) (*pty_, error) {
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		return nil, err
	}
	return &pty_{cmd: cmd, f: f}, nil
}

func (p *pty_) read(buf []byte) (int, error) {
	return p.f.Read(buf)
}

func (p *pty_) write(data []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.f.Write(data)
}

func (p *pty_) resize(cols, rows uint16) error {
	p.resizeMu.Lock()
	defer p.resizeMu.Unlock()
	return pty.Setsize(p.f, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *pty_) pid() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// signal delivers SIGTERM to the whole process group rooted at the child,
// matching the teacher's process-group kill (pty.Start sets Setsid, so
// -pid addresses the group). Returns once the signal has been delivered,
// not once the child has been reaped.
func (p *pty_) signal() error {
	pid := p.pid()
	if pid == 0 {
		return nil
	}
	err := unix.Kill(-pid, unix.SIGTERM)
	if err == unix.ESRCH {
		return nil
	}
	return err
}

func (p *pty_) wait() error {
	return p.cmd.Wait()
}

func (p *pty_) close() error {
	return p.f.Close()
}
