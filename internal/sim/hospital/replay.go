package hospital

import (
	"io"
	"strconv"
	"strings"
)

// ReplaySummary is the verified trailer of a run log.
type ReplaySummary struct {
	LevelName  string
	ClientName string
	Solved     bool
	NumActions int64
	TimeNS     int64
}

// LoadLog parses a run log: the embedded level, the client name, and
// the action record. Every logged joint action is re-executed through
// the same resolver as the live protocol, and the trailer's claimed
// solved/numactions/time are cross-checked against the recomputed
// values; any disagreement fails the parse.
func LoadLog(r io.Reader) (*Sequence, *ReplaySummary, error) {
	p := &parser{r: newLineReader(r)}
	line, err := p.parseLevelSections()
	if err != nil {
		return nil, nil, err
	}

	seq := NewSequence(p.lv, p.initial)
	sum := &ReplaySummary{LevelName: p.lv.Name}

	if !sectionIs(line, "#clientname") {
		return nil, nil, parseErrorf(p.r.line, "expected client name section (#clientname)")
	}
	if line, err = p.parseClientName(sum); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#actions") {
		return nil, nil, parseErrorf(p.r.line, "expected actions section (#actions)")
	}
	if line, err = p.parseActions(seq); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#end") {
		return nil, nil, parseErrorf(p.r.line, "expected end section (#end)")
	}
	if line, err = p.nextLine(); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#solved") {
		return nil, nil, parseErrorf(p.r.line, "expected solved section (#solved)")
	}
	if line, err = p.parseSolved(seq, sum); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#numactions") {
		return nil, nil, parseErrorf(p.r.line, "expected numactions section (#numactions)")
	}
	if line, err = p.parseNumActions(seq, sum); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#time") {
		return nil, nil, parseErrorf(p.r.line, "expected time section (#time)")
	}
	if line, err = p.parseTime(seq, sum); err != nil {
		return nil, nil, err
	}

	if !sectionIs(line, "#end") {
		return nil, nil, parseErrorf(p.r.line, "expected end section (#end)")
	}
	if line, err = p.nextLine(); err != nil {
		return nil, nil, err
	}
	if line != "" {
		return nil, nil, parseErrorf(p.r.line, "expected no more content after end section")
	}

	return seq, sum, nil
}

func sectionIs(line, tag string) bool {
	return strings.EqualFold(strings.TrimRight(line, " "), tag)
}

func (p *parser) parseClientName(sum *ReplaySummary) (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parseErrorf(p.r.line, "expected a client name, but reached end of file")
	}
	if strings.TrimSpace(line) == "" {
		return "", parseErrorf(p.r.line, "client name can not be blank")
	}
	sum.ClientName = line
	return p.nextLine()
}

func (p *parser) parseActions(seq *Sequence) (string, error) {
	joint := make([]*Action, p.lv.NumAgents)

	for {
		line, ok, err := p.r.readLine()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", parseErrorf(p.r.line,
				"expected more action lines or end of actions section, but reached end of file")
		}
		if strings.HasPrefix(line, "#") {
			return line, nil
		}

		split := strings.Split(line, ":")
		if len(split) < 2 {
			return "", parseErrorf(p.r.line, "invalid action line syntax - timestamp missing?")
		}
		if len(split) > 2 {
			return "", parseErrorf(p.r.line, "invalid action line syntax - too many colons?")
		}

		timeNS, err := strconv.ParseInt(split[0], 10, 64)
		if err != nil {
			return "", parseErrorf(p.r.line, "invalid action timestamp")
		}

		tokens := strings.Split(split[1], "|")
		if len(tokens) != p.lv.NumAgents {
			return "", parseErrorf(p.r.line, "invalid number of agents in joint action")
		}
		for i, token := range tokens {
			if joint[i] = ParseAction(token); joint[i] == nil {
				return "", parseErrorf(p.r.line, "invalid joint action")
			}
		}

		seq.Execute(joint, timeNS)
	}
}

func (p *parser) parseSolved(seq *Sequence, sum *ReplaySummary) (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parseErrorf(p.r.line, "expected a solved value, but reached end of file")
	}
	if line != "true" && line != "false" {
		return "", parseErrorf(p.r.line, "invalid solved value")
	}

	claimed := line == "true"
	actual := seq.Solved()
	if claimed && !actual {
		return "", parseErrorf(p.r.line,
			"log summary claims level is solved, but the actions don't solve the level")
	}
	if !claimed && actual {
		return "", parseErrorf(p.r.line,
			"log summary claims level is not solved, but the actions solve the level")
	}
	sum.Solved = actual

	return p.nextLine()
}

func (p *parser) parseNumActions(seq *Sequence, sum *ReplaySummary) (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parseErrorf(p.r.line, "expected a numactions value, but reached end of file")
	}

	numActions, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return "", parseErrorf(p.r.line, "invalid number of actions")
	}
	if numActions != int64(seq.NumStates()-1) {
		return "", parseErrorf(p.r.line,
			"number of actions does not conform to the number of actions in the sequence")
	}
	sum.NumActions = numActions

	return p.nextLine()
}

func (p *parser) parseTime(seq *Sequence, sum *ReplaySummary) (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parseErrorf(p.r.line, "expected a time value, but reached end of file")
	}

	timeNS, err := strconv.ParseInt(line, 10, 64)
	if err != nil {
		return "", parseErrorf(p.r.line, "invalid time of last action")
	}
	if timeNS != seq.StateTime(seq.NumStates()-1) {
		return "", parseErrorf(p.r.line,
			"last state time does not conform to the timestamp of the last action")
	}
	sum.TimeNS = timeNS

	return p.nextLine()
}
