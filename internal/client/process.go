package client

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// Process is the capability surface the supervisor needs from a client
// process. The escalation algorithm is written against this interface
// so it can be exercised with a fake in tests.
type Process interface {
	PID() int
	Alive() bool
	// Signal requests graceful termination.
	Signal() error
	// Kill forcibly terminates the process.
	Kill() error
	// WaitExit waits up to d for the process to exit and reports
	// whether it did.
	WaitExit(d time.Duration) bool
	// Children returns the pids of live descendant processes.
	Children() []int
}

type osProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
}

// StartProcess spawns the given command line (naively tokenized on
// whitespace) with stderr inherited. The returned writer feeds the
// client's stdin and the reader drains its stdout; force-closing them
// cancels any blocked protocol reads or writes.
func StartProcess(command string) (Process, io.WriteCloser, io.ReadCloser, error) {
	args := strings.Fields(strings.TrimSpace(command))
	if len(args) == 0 {
		return nil, nil, nil, fmt.Errorf("empty client command")
	}

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, nil, nil, err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, nil, nil, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, nil, nil, err
	}
	// Parent keeps only its ends of the pipes.
	stdinR.Close()
	stdoutW.Close()

	p := &osProcess{cmd: cmd, done: make(chan struct{})}
	go func() {
		_ = cmd.Wait()
		close(p.done)
	}()
	return p, stdinW, stdoutR, nil
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *osProcess) Signal() error {
	return p.cmd.Process.Signal(syscall.SIGTERM)
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) WaitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *osProcess) Children() []int {
	return descendants(p.PID())
}

// descendants scans /proc for live descendants of pid. Returns nil on
// platforms without /proc; leak detection is diagnostic only.
func descendants(pid int) []int {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return nil
	}

	parents := make(map[int]int)
	for _, e := range entries {
		child, err := strconv.Atoi(e.Name())
		if err != nil {
			continue
		}
		stat, err := os.ReadFile(filepath.Join("/proc", e.Name(), "stat"))
		if err != nil {
			continue
		}
		// Field 4 of /proc/<pid>/stat is the ppid; the comm field is
		// parenthesized and may contain spaces, so cut after ')'.
		s := string(stat)
		i := strings.LastIndexByte(s, ')')
		if i == -1 {
			continue
		}
		fields := strings.Fields(s[i+1:])
		if len(fields) < 2 {
			continue
		}
		ppid, err := strconv.Atoi(fields[1])
		if err != nil {
			continue
		}
		parents[child] = ppid
	}

	isDescendant := func(p int) bool {
		for depth := 0; depth < 64; depth++ {
			pp, ok := parents[p]
			if !ok {
				return false
			}
			if pp == pid {
				return true
			}
			p = pp
		}
		return false
	}

	var out []int
	for child := range parents {
		if isDescendant(child) {
			out = append(out, child)
		}
	}
	return out
}
