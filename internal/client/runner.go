package client

import (
	"fmt"
	"io"
	"log"
	"strings"
	"time"
)

// ProtocolFunc drives the wire protocol against a client's streams.
// in is the client's stdout, out its stdin. Implementations should
// call t.Stop() on voluntary completion; the runner stops the timeout
// anyway once the function returns.
type ProtocolFunc func(t *Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer)

// Runner owns one client process run: it spawns the process, runs the
// protocol on its own goroutine under the shared Timeout, and reclaims
// the process when the timeout stops or expires.
type Runner struct {
	Command  string
	Budget   time.Duration // 0 means infinite
	Logger   *log.Logger
	LogOut   io.Writer
	CloseLog bool
	Protocol ProtocolFunc

	// Start is the process spawner; defaults to StartProcess. Tests
	// substitute a fake.
	Start func(command string) (Process, io.WriteCloser, io.ReadCloser, error)
}

// Run executes one full client run and blocks until the client process
// has been reclaimed. Cancellation goes through the Timeout: Stop()
// for voluntary completion, Expire() to abort.
func (r *Runner) Run(timeout *Timeout) error {
	start := r.Start
	if start == nil {
		start = StartProcess
	}

	proc, clientOut, clientIn, err := start(r.Command)
	if err != nil {
		return fmt.Errorf("spawn client: %w", err)
	}
	r.Logger.Printf("client process started (pid=%d)", proc.PID())

	protoDone := make(chan struct{})
	go func() {
		defer close(protoDone)
		r.Protocol(timeout, r.Budget, clientIn, clientOut, r.LogOut)
		// Safety net: a protocol implementation that returns without
		// signaling completion must still release the supervisor.
		timeout.Stop()
	}()

	expired := timeout.WaitTimeout()

	if !expired {
		<-protoDone
		r.Logger.Printf("waiting for client process to terminate by itself")
		proc.WaitExit(500 * time.Millisecond)
		r.terminate(proc)
		closeStreams(clientIn, clientOut)
	} else {
		r.Logger.Printf("client timed out")
		r.terminate(proc)
		closeStreams(clientIn, clientOut)
		<-protoDone
	}

	if r.CloseLog {
		if c, ok := r.LogOut.(io.Closer); ok {
			if err := c.Close(); err != nil {
				r.Logger.Printf("could not flush and close log: %v", err)
			}
		}
	}
	return nil
}

// terminate escalates: graceful signal with a 1 s grace period, then
// force-kill with a 200 ms grace period, then report any leaked
// descendants. Leaks are diagnostic only and never retried.
func (r *Runner) terminate(proc Process) {
	if proc.Alive() {
		r.Logger.Printf("sending termination signal to client process (pid=%d)", proc.PID())
		if err := proc.Signal(); err == nil {
			if proc.WaitExit(1 * time.Second) {
				r.reportLeaks(proc)
				return
			}
		}
	}

	if proc.Alive() {
		r.Logger.Printf("forcibly terminating client process")
		_ = proc.Kill()
		proc.WaitExit(200 * time.Millisecond)
	}

	if proc.Alive() {
		r.Logger.Printf("warning: client process not terminated (pid=%d)", proc.PID())
		return
	}
	r.reportLeaks(proc)
}

func (r *Runner) reportLeaks(proc Process) {
	leaked := proc.Children()
	if len(leaked) == 0 {
		r.Logger.Printf("client terminated")
		return
	}
	pids := make([]string, len(leaked))
	for i, pid := range leaked {
		pids[i] = fmt.Sprint(pid)
	}
	r.Logger.Printf("warning: client spawned subprocesses which haven't terminated, pids: %s",
		strings.Join(pids, ", "))
}

func closeStreams(in io.ReadCloser, out io.WriteCloser) {
	_ = in.Close()
	_ = out.Close()
}
