package protocol_test

import (
	"bytes"
	"log"
	"strings"
	"testing"
	"time"

	"gridworld.ai/internal/client"
	"gridworld.ai/internal/protocol"
	"gridworld.ai/internal/sim/hospital"
)

const pushLevel = `#domain
hospital
#levelname
push test
#colors
blue: 0, A
#initial
+++++
+0A +
+++++
#goal
+++++
+  A+
+++++
#end
`

func newEngine(t *testing.T) (*protocol.Engine, *bytes.Buffer) {
	t.Helper()
	seq, err := hospital.LoadLevel(strings.NewReader(pushLevel))
	if err != nil {
		t.Fatalf("load level: %v", err)
	}
	var serverLog bytes.Buffer
	return protocol.New(seq, []byte(pushLevel), log.New(&serverLog, "", 0)), &serverLog
}

func runEngine(t *testing.T, e *protocol.Engine, input string) (out, runLog *bytes.Buffer) {
	t.Helper()
	out = &bytes.Buffer{}
	runLog = &bytes.Buffer{}
	e.Run(client.NewTimeout(), 0, strings.NewReader(input), out, runLog)
	return out, runLog
}

func TestEngine_FullRun(t *testing.T) {
	e, _ := newEngine(t)
	out, runLog := runEngine(t, e, "searchclient\nPush(E,E)\nMove(W)\n")

	if e.ClientName() != "searchclient" {
		t.Errorf("ClientName = %q", e.ClientName())
	}
	if e.NumActions() != 2 {
		t.Errorf("NumActions = %d, want 2", e.NumActions())
	}

	// The client sees the level followed by one response per action.
	sent := out.String()
	if !strings.HasPrefix(sent, pushLevel) {
		t.Error("level not streamed to client")
	}
	if rest := strings.TrimPrefix(sent, pushLevel); rest != "true\ntrue\n" {
		t.Errorf("responses = %q, want %q", rest, "true\ntrue\n")
	}

	// The log must replay cleanly through the verifier.
	seq, sum, err := hospital.LoadLog(bytes.NewReader(runLog.Bytes()))
	if err != nil {
		t.Fatalf("log does not verify: %v\nlog:\n%s", err, runLog.String())
	}
	if sum.ClientName != "searchclient" || !sum.Solved || sum.NumActions != 2 {
		t.Errorf("verified summary = %+v", sum)
	}
	if seq.NumStates() != 3 {
		t.Errorf("replayed NumStates = %d, want 3", seq.NumStates())
	}

	status := e.Status()
	if len(status) != 3 || status[0] != "Level solved: Yes." || status[1] != "Actions used: 2." {
		t.Errorf("Status() = %q", status)
	}
}

func TestEngine_CommentsEchoedNotAnswered(t *testing.T) {
	e, serverLog := newEngine(t)
	out, runLog := runEngine(t, e, "searchclient\n#hello server\nPush(E,E)\n")

	if !strings.Contains(serverLog.String(), "[client][message] hello server") {
		t.Errorf("comment not echoed to server log:\n%s", serverLog.String())
	}
	// Comments get no response and no action log entry.
	if rest := strings.TrimPrefix(out.String(), pushLevel); rest != "true\n" {
		t.Errorf("responses = %q, want one", rest)
	}
	if strings.Contains(runLog.String(), "hello server") {
		t.Error("comment leaked into the run log")
	}
	if e.NumActions() != 1 {
		t.Errorf("NumActions = %d, want 1", e.NumActions())
	}
}

func TestEngine_MalformedDroppedWithoutResponse(t *testing.T) {
	e, serverLog := newEngine(t)
	out, runLog := runEngine(t, e, "searchclient\nMove(Q)\nNoOp|NoOp\nMove(E)\n")

	// Only the final well-formed action gets a response; the session
	// survives the malformed submissions.
	if rest := strings.TrimPrefix(out.String(), pushLevel); rest != "false\n" {
		t.Errorf("responses = %q, want %q", rest, "false\n")
	}
	if e.NumActions() != 1 {
		t.Errorf("NumActions = %d, want 1", e.NumActions())
	}
	logs := serverLog.String()
	if !strings.Contains(logs, "invalid joint action: Move(Q)") {
		t.Errorf("malformed token not logged:\n%s", logs)
	}
	if !strings.Contains(logs, "invalid number of agents in joint action: NoOp|NoOp") {
		t.Errorf("wrong arity not logged:\n%s", logs)
	}

	// The dropped lines must not appear in the verified action record.
	if _, sum, err := hospital.LoadLog(bytes.NewReader(runLog.Bytes())); err != nil {
		t.Fatalf("log does not verify: %v", err)
	} else if sum.NumActions != 1 {
		t.Errorf("verified NumActions = %d, want 1", sum.NumActions)
	}
}

func TestEngine_CalloutSuffixIsMalformed(t *testing.T) {
	e, _ := newEngine(t)
	out, _ := runEngine(t, e, "searchclient\nPush(E,E)@look at me\n")

	if rest := strings.TrimPrefix(out.String(), pushLevel); rest != "" {
		t.Errorf("suffixed token answered: %q", rest)
	}
	if e.NumActions() != 0 {
		t.Errorf("NumActions = %d, want 0", e.NumActions())
	}
}

func TestEngine_EOFBeforeName(t *testing.T) {
	e, serverLog := newEngine(t)
	_, runLog := runEngine(t, e, "")

	if e.ClientName() != "" {
		t.Errorf("ClientName = %q, want empty", e.ClientName())
	}
	if runLog.Len() != 0 {
		t.Errorf("run log written without a handshake:\n%s", runLog.String())
	}
	if !strings.Contains(serverLog.String(), "before sending its name") {
		t.Errorf("missing abort log entry:\n%s", serverLog.String())
	}
}

func TestEngine_ExpiredBeforeHandshake(t *testing.T) {
	e, _ := newEngine(t)
	to := client.NewTimeout()
	to.Expire()

	out := &bytes.Buffer{}
	runLog := &bytes.Buffer{}
	e.Run(to, 0, strings.NewReader("searchclient\nPush(E,E)\n"), out, runLog)

	if runLog.Len() != 0 {
		t.Errorf("run log written for expired handshake:\n%s", runLog.String())
	}
	if out.Len() != 0 {
		t.Errorf("level streamed for expired handshake")
	}
}

func TestEngine_TrailerOnEarlyEOF(t *testing.T) {
	e, _ := newEngine(t)
	_, runLog := runEngine(t, e, "searchclient\nMove(E)\n")

	// An unsolved, truncated run still carries a consistent trailer.
	seq, sum, err := hospital.LoadLog(bytes.NewReader(runLog.Bytes()))
	if err != nil {
		t.Fatalf("truncated-run log does not verify: %v\nlog:\n%s", err, runLog.String())
	}
	if sum.Solved {
		t.Error("truncated run claims solved")
	}
	if sum.NumActions != 1 || seq.NumStates() != 2 {
		t.Errorf("summary = %+v, states = %d", sum, seq.NumStates())
	}
}

func TestEngine_StatusBeforeAnyAction(t *testing.T) {
	e, _ := newEngine(t)
	status := e.Status()
	if status[0] != "Level solved: No." || status[1] != "Actions used: 0." {
		t.Errorf("Status() = %q", status)
	}
	if status[2] != "Time to solve: 0.000 seconds." {
		t.Errorf("Status()[2] = %q", status[2])
	}
}

func TestEngine_NameWindowRearmsToBudget(t *testing.T) {
	e, _ := newEngine(t)
	to := client.NewTimeout()

	out := &bytes.Buffer{}
	runLog := &bytes.Buffer{}
	start := time.Now()
	e.Run(to, 50*time.Millisecond, strings.NewReader("searchclient\n"), out, runLog)
	if time.Since(start) > 5*time.Second {
		t.Error("handshake blocked instead of using the provided input")
	}
	// After EOF the engine returns; the budget reset must have
	// replaced the name window without expiring.
	if to.IsExpired() {
		t.Error("timeout expired during instantaneous handshake")
	}
}
