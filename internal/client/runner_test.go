package client

import (
	"bytes"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeProcess scripts the supervisor's view of a client process.
type fakeProcess struct {
	mu          sync.Mutex
	done        chan struct{}
	signaled    bool
	killed      bool
	dieOnSignal bool
	dieOnKill   bool
	children    []int
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{done: make(chan struct{}), dieOnSignal: true, dieOnKill: true}
}

func (p *fakeProcess) exit() {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
}

func (p *fakeProcess) PID() int { return 4242 }

func (p *fakeProcess) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

func (p *fakeProcess) Signal() error {
	p.mu.Lock()
	p.signaled = true
	die := p.dieOnSignal
	p.mu.Unlock()
	if die {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	die := p.dieOnKill
	p.mu.Unlock()
	if die {
		p.exit()
	}
	return nil
}

func (p *fakeProcess) WaitExit(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-p.done:
		return true
	case <-timer.C:
		return false
	}
}

func (p *fakeProcess) Children() []int { return p.children }

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newTestRunner(proc *fakeProcess, in io.ReadCloser, protocol ProtocolFunc) (*Runner, *bytes.Buffer) {
	var logBuf bytes.Buffer
	r := &Runner{
		Command:  "fake",
		Logger:   log.New(&logBuf, "", 0),
		LogOut:   io.Discard,
		Protocol: protocol,
		Start: func(string) (Process, io.WriteCloser, io.ReadCloser, error) {
			return proc, nopWriteCloser{io.Discard}, in, nil
		},
	}
	return r, &logBuf
}

func TestRunner_VoluntaryCompletion(t *testing.T) {
	proc := newFakeProcess()
	protocolRan := false
	r, logBuf := newTestRunner(proc, io.NopCloser(strings.NewReader("")),
		func(to *Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer) {
			protocolRan = true
			proc.exit()
			// Deliberately no to.Stop(): the runner's safety net must
			// release the supervisor anyway.
		})

	timeout := NewTimeout()
	if err := r.Run(timeout); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !protocolRan {
		t.Error("protocol never ran")
	}
	if !timeout.IsStopped() || timeout.IsExpired() {
		t.Error("timeout not stopped by safety net")
	}
	if !strings.Contains(logBuf.String(), "client terminated") {
		t.Errorf("missing termination log entry:\n%s", logBuf.String())
	}
}

func TestRunner_ExpiryEscalatesToKill(t *testing.T) {
	proc := newFakeProcess()
	proc.dieOnSignal = false // ignores graceful termination
	proc.children = []int{123, 456}

	in, inW := io.Pipe()
	r, logBuf := newTestRunner(proc, in,
		func(to *Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer) {
			to.Reset(time.Now(), 20*time.Millisecond)
			// Block until the runner force-closes our input stream.
			_, _ = io.ReadAll(in)
		})
	defer inW.Close()

	timeout := NewTimeout()
	if err := r.Run(timeout); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if !timeout.IsExpired() {
		t.Error("timeout not expired")
	}
	proc.mu.Lock()
	signaled, killed := proc.signaled, proc.killed
	proc.mu.Unlock()
	if !signaled {
		t.Error("process never received the graceful signal")
	}
	if !killed {
		t.Error("escalation never reached Kill")
	}

	logs := logBuf.String()
	if !strings.Contains(logs, "client timed out") {
		t.Errorf("missing timeout log entry:\n%s", logs)
	}
	if !strings.Contains(logs, "forcibly terminating client process") {
		t.Errorf("missing force-kill log entry:\n%s", logs)
	}
	if !strings.Contains(logs, "pids: 123, 456") {
		t.Errorf("missing leaked descendant report:\n%s", logs)
	}
}

func TestRunner_UnkillableProcessWarns(t *testing.T) {
	proc := newFakeProcess()
	proc.dieOnSignal = false
	proc.dieOnKill = false

	r, logBuf := newTestRunner(proc, io.NopCloser(strings.NewReader("")),
		func(to *Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer) {
		})

	if err := r.Run(NewTimeout()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(logBuf.String(), "client process not terminated") {
		t.Errorf("missing unkillable warning:\n%s", logBuf.String())
	}
}

func TestRunner_ExternalExpireAbortsRun(t *testing.T) {
	proc := newFakeProcess()
	in, inW := io.Pipe()
	r, _ := newTestRunner(proc, in,
		func(to *Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer) {
			_, _ = io.ReadAll(in)
		})
	defer inW.Close()

	timeout := NewTimeout()
	done := make(chan error, 1)
	go func() { done <- r.Run(timeout) }()

	time.Sleep(20 * time.Millisecond)
	timeout.Expire()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after external expiry")
	}
}

func TestStartProcess_EmptyCommand(t *testing.T) {
	if _, _, _, err := StartProcess("  "); err == nil {
		t.Error("empty command accepted")
	}
}
