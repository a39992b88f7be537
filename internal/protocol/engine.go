package protocol

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"gridworld.ai/internal/client"
	"gridworld.ai/internal/sim/hospital"
)

// nameWindow bounds how long a client gets to send its name before the
// per-run budget takes over.
const nameWindow = 10 * time.Second

// Engine drives the line-oriented exchange with one client: name
// handshake, level streaming, then joint-action rounds until the
// stream closes or the timeout expires. Every run appends a verifiable
// log (level text plus action and summary trailers).
type Engine struct {
	seq       *hospital.Sequence
	levelData []byte
	logger    *log.Logger

	clientName atomic.Value // string
	numActions atomic.Int64
}

// New returns an engine for one run. levelData is the raw level file,
// streamed byte-for-byte to the client and the log.
func New(seq *hospital.Sequence, levelData []byte, logger *log.Logger) *Engine {
	return &Engine{seq: seq, levelData: levelData, logger: logger}
}

// ClientName returns the name the client sent, or "" before the
// handshake completed.
func (e *Engine) ClientName() string {
	if v := e.clientName.Load(); v != nil {
		return v.(string)
	}
	return ""
}

// NumActions returns the number of executed joint actions.
func (e *Engine) NumActions() int64 { return e.numActions.Load() }

// Status summarizes a finished run.
func (e *Engine) Status() []string {
	last := e.seq.NumStates() - 1
	solved := "No"
	if e.seq.IsGoalState(last) {
		solved = "Yes"
	}
	return []string{
		fmt.Sprintf("Level solved: %s.", solved),
		fmt.Sprintf("Actions used: %d.", e.NumActions()),
		fmt.Sprintf("Time to solve: %.3f seconds.", float64(e.seq.StateTime(last))/1e9),
	}
}

// readLine reads one LF- or CRLF-terminated line, rejecting non-ASCII
// content. io.EOF marks a cleanly closed stream.
func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	for i := 0; i < len(line); i++ {
		if line[i] > 127 {
			return "", fmt.Errorf("client message not valid ASCII")
		}
	}
	return line, nil
}

// Run implements client.ProtocolFunc.
func (e *Engine) Run(t *client.Timeout, budget time.Duration, in io.Reader, out io.Writer, logOut io.Writer) {
	reader := bufio.NewReader(in)
	writer := bufio.NewWriter(out)
	logw := bufio.NewWriter(logOut)

	// The name handshake has its own window, distinct from the run
	// budget.
	t.Reset(time.Now(), nameWindow)

	name, err := readLine(reader)
	if err == io.EOF {
		e.logger.Printf("client closed its output stream before sending its name")
		return
	}
	if err != nil {
		e.logger.Printf("could not read client name: %v", err)
		return
	}

	start := time.Now()
	if !t.Reset(start, budget) {
		e.logger.Printf("timed out while waiting for client name")
		return
	}
	e.clientName.Store(name)

	// Stream the level byte-for-byte to client and log, ensuring a
	// trailing newline.
	for _, w := range []*bufio.Writer{writer, logw} {
		if _, err := w.Write(e.levelData); err != nil {
			e.logger.Printf("could not send level to client and/or log: %v", err)
			return
		}
		if len(e.levelData) == 0 || e.levelData[len(e.levelData)-1] != '\n' {
			w.WriteByte('\n')
		}
		if err := w.Flush(); err != nil {
			e.logger.Printf("could not send level to client and/or log: %v", err)
			return
		}
	}

	fmt.Fprintf(logw, "#clientname\n%s\n#actions\n", name)
	if err := logw.Flush(); err != nil {
		e.logger.Printf("could not write to log: %v", err)
		return
	}

	// From here on the log has an open #actions section, so the
	// trailer is always written no matter how the loop ends.
	defer e.finalize(logw)

	joint := make([]*hospital.Action, e.seq.Level().NumAgents)
	for {
		if t.IsExpired() {
			e.logger.Printf("client timed out in protocol loop")
			return
		}

		msg, err := readLine(reader)
		if err == io.EOF {
			e.logger.Printf("client closed its output stream")
			return
		}
		if err != nil {
			e.logger.Printf("could not read from client: %v", err)
			return
		}

		if t.IsExpired() {
			e.logger.Printf("client timed out in protocol loop")
			return
		}

		if strings.HasPrefix(msg, "#") {
			// Comment: echoed, never answered.
			e.logger.Printf("[client][message] %s", msg[1:])
			continue
		}

		// Malformed joint actions are dropped without a response; the
		// client must recover on its own (or hit the timeout).
		tokens := strings.Split(msg, "|")
		if len(tokens) != len(joint) {
			e.logger.Printf("invalid number of agents in joint action: %s", msg)
			continue
		}
		malformed := false
		for i, token := range tokens {
			if joint[i] = hospital.ParseAction(token); joint[i] == nil {
				e.logger.Printf("invalid joint action: %s", msg)
				malformed = true
				break
			}
		}
		if malformed {
			continue
		}

		actionTime := time.Since(start).Nanoseconds()
		result := e.seq.Execute(joint, actionTime)
		e.numActions.Add(1)

		for i, ok := range result {
			if i > 0 {
				writer.WriteByte('|')
			}
			writer.WriteString(fmt.Sprintf("%t", ok))
		}
		writer.WriteByte('\n')
		if err := writer.Flush(); err != nil {
			// Client closed before reading responses.
			e.logger.Printf("could not write response to client: %v", err)
			return
		}

		fmt.Fprintf(logw, "%d:%s\n", actionTime, msg)
		if err := logw.Flush(); err != nil {
			e.logger.Printf("could not write to log: %v", err)
			return
		}
	}
}

// finalize closes the #actions section and writes the summary trailer.
// It runs on every loop exit path, including stream failures, so
// partial runs still produce a consistent log.
func (e *Engine) finalize(logw *bufio.Writer) {
	last := e.seq.NumStates() - 1
	fmt.Fprintf(logw, "#end\n#solved\n%t\n#numactions\n%d\n#time\n%d\n#end\n",
		e.seq.IsGoalState(last), e.NumActions(), e.seq.StateTime(last))
	if err := logw.Flush(); err != nil {
		e.logger.Printf("could not write log trailer: %v", err)
	}
}
