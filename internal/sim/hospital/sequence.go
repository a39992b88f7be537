package hospital

import (
	"io"
	"sync/atomic"
)

// Sequence is the history of states produced by executing joint
// actions against a level.
//
// Writes are single-threaded (the protocol goroutine); any number of
// goroutines may read concurrently. Publication is via the atomic
// state counter: a reader that has observed a value of NumStates() is
// guaranteed to see a fully formed State for every index below it.
// Readers must load the counter before loading the snapshot buffer.
type Sequence struct {
	level *Level

	snaps     atomic.Pointer[snapshots]
	numStates atomic.Int64

	// Box ids in lexicographic (row, col) order of the latest state.
	// Writer-owned; maintained incrementally by moveBox.
	sortedBoxIDs []int32

	// Discard-past mode keeps only slot 0 (always the latest state)
	// and reports NumStates()==1. Chosen once before first execute.
	discardPast bool
}

// snapshots is an immutable-once-published pair of full-length buffers
// (len == cap); the atomic state counter bounds the valid prefix. The
// writer never re-slices or otherwise mutates a published header, so a
// reader that observed a count may keep reading any lower index from
// whichever buffer it loads.
type snapshots struct {
	states []*State
	times  []int64 // nanoseconds since protocol start, per state
}

// NewSequence builds a sequence seeded with the initial state of a
// parsed level.
func NewSequence(level *Level, initial *State) *Sequence {
	s := &Sequence{level: level}
	s.sortedBoxIDs = make([]int32, level.NumBoxes)
	for i := range s.sortedBoxIDs {
		s.sortedBoxIDs[i] = int32(i)
	}
	sn := &snapshots{
		states: make([]*State, 64),
		times:  make([]int64, 64),
	}
	sn.states[0] = initial
	s.snaps.Store(sn)
	s.numStates.Store(1)
	return s
}

// DiscardPastStates switches the sequence to discard-past mode. Must
// be called before the first Execute and never changed afterwards.
func (s *Sequence) DiscardPastStates() {
	s.discardPast = true
}

// Level returns the immutable static level data.
func (s *Sequence) Level() *Level { return s.level }

// NumStates returns the number of published states. This is the
// acquire barrier for concurrent readers.
func (s *Sequence) NumStates() int {
	return int(s.numStates.Load())
}

// State returns the state at the given index. The index must be below
// a value of NumStates() the caller has observed.
func (s *Sequence) State(i int) *State {
	return s.snaps.Load().states[i]
}

// StateTime returns the receipt time in nanoseconds of state i.
func (s *Sequence) StateTime(i int) int64 {
	return s.snaps.Load().times[i]
}

func (s *Sequence) latest() *State {
	return s.snaps.Load().states[s.numStates.Load()-1]
}

// WallAt reports whether (row, col) is a wall.
func (s *Sequence) WallAt(row, col int16) bool {
	return s.level.WallAt(row, col)
}

// BoxGoalAt returns the goal letter (0..25) at (row, col), or -1.
func (s *Sequence) BoxGoalAt(row, col int16) int8 {
	return s.level.BoxGoalAt(row, col)
}

// AgentGoalAt returns the agent id whose goal is at (row, col), or -1.
func (s *Sequence) AgentGoalAt(row, col int16) int8 {
	return s.level.AgentGoalAt(row, col)
}

// findBox binary searches the sorted box index against the given
// state and returns the rank where a box at (row, col) is or would be.
func (s *Sequence) findBox(st *State, row, col int16) int {
	lo, hi := 0, s.level.NumBoxes-1
	mid := (lo + hi) / 2
	for lo <= hi {
		mid = lo + (hi-lo)/2
		id := s.sortedBoxIDs[mid]
		midRow, midCol := st.BoxRows[id], st.BoxCols[id]
		switch {
		case midRow < row || (midRow == row && midCol < col):
			lo = mid + 1
		case midRow > row || (midRow == row && midCol > col):
			hi = mid - 1
		default:
			return mid
		}
	}
	return mid
}

// BoxAt returns the letter (0..25) of the box at (row, col) in the
// latest state, or -1. O(log numBoxes).
func (s *Sequence) BoxAt(row, col int16) int8 {
	if s.level.NumBoxes == 0 {
		return -1
	}
	st := s.latest()
	id := s.sortedBoxIDs[s.findBox(st, row, col)]
	if st.BoxRows[id] == row && st.BoxCols[id] == col {
		return int8(s.level.BoxLetters[id])
	}
	return -1
}

// AgentAt returns the id of the agent at (row, col) in the latest
// state, or -1.
func (s *Sequence) AgentAt(row, col int16) int8 {
	st := s.latest()
	for a := 0; a < s.level.NumAgents; a++ {
		if st.AgentRows[a] == row && st.AgentCols[a] == col {
			return int8(a)
		}
	}
	return -1
}

// FreeAt reports whether no wall, box, or agent occupies (row, col)
// in the latest state.
func (s *Sequence) FreeAt(row, col int16) bool {
	return !s.WallAt(row, col) && s.BoxAt(row, col) == -1 && s.AgentAt(row, col) == -1
}

// moveBox relocates the box at (fromRow, fromCol) in st and restores
// the sorted index by shifting ranks only as far as needed.
func (s *Sequence) moveBox(st *State, fromRow, fromCol, toRow, toCol int16) {
	rank := s.findBox(st, fromRow, fromCol)
	id := s.sortedBoxIDs[rank]

	rows, cols := st.BoxRows, st.BoxCols
	if toRow > fromRow || (toRow == fromRow && toCol > fromCol) {
		for rank+1 < s.level.NumBoxes {
			next := s.sortedBoxIDs[rank+1]
			if rows[next] < toRow || (rows[next] == toRow && cols[next] < toCol) {
				s.sortedBoxIDs[rank] = next
				rank++
			} else {
				break
			}
		}
	} else {
		for rank > 0 {
			prev := s.sortedBoxIDs[rank-1]
			if rows[prev] > toRow || (rows[prev] == toRow && cols[prev] > toCol) {
				s.sortedBoxIDs[rank] = prev
				rank--
			} else {
				break
			}
		}
	}

	rows[id] = toRow
	cols[id] = toCol
	s.sortedBoxIDs[rank] = id
}

// isApplicable computes per-agent legality and pairwise conflicts for
// one joint action against the latest state. Conflicting agents are
// downgraded to inapplicable.
func (s *Sequence) isApplicable(joint []*Action) []bool {
	st := s.latest()
	n := s.level.NumAgents

	applicable := make([]bool, n)
	destRows := make([]int16, n)
	destCols := make([]int16, n)
	boxRows := make([]int16, n)
	boxCols := make([]int16, n)

	for a := 0; a < n; a++ {
		act := joint[a]
		agentRow, agentCol := st.AgentRows[a], st.AgentCols[a]
		boxRows[a] = agentRow + act.BoxDRow
		boxCols[a] = agentCol + act.BoxDCol

		switch act.Type {
		case ActNoOp:
			applicable[a] = true

		case ActMove:
			destRows[a] = agentRow + act.MoveDRow
			destCols[a] = agentCol + act.MoveDCol
			applicable[a] = s.FreeAt(destRows[a], destCols[a])

		case ActPush:
			letter := s.BoxAt(boxRows[a], boxCols[a])
			destRows[a] = boxRows[a] + act.MoveDRow
			destCols[a] = boxCols[a] + act.MoveDCol
			applicable[a] = letter != -1 &&
				s.level.AgentColors[a] == s.level.BoxColors[letter] &&
				s.FreeAt(destRows[a], destCols[a])

		case ActPull:
			boxRows[a] = agentRow - act.BoxDRow
			boxCols[a] = agentCol - act.BoxDCol
			letter := s.BoxAt(boxRows[a], boxCols[a])
			destRows[a] = agentRow + act.MoveDRow
			destCols[a] = agentCol + act.MoveDCol
			applicable[a] = letter != -1 &&
				s.level.AgentColors[a] == s.level.BoxColors[letter] &&
				s.FreeAt(destRows[a], destCols[a])
		}
	}

	conflicting := make([]bool, n)
	for a1 := 0; a1 < n; a1++ {
		if !applicable[a1] || joint[a1].Type == ActNoOp {
			continue
		}
		for a2 := 0; a2 < a1; a2++ {
			if !applicable[a2] || joint[a2].Type == ActNoOp {
				continue
			}
			// Objects moving into the same cell?
			if destRows[a1] == destRows[a2] && destCols[a1] == destCols[a2] {
				conflicting[a1] = true
				conflicting[a2] = true
			}
			// Manipulating the same box?
			if boxRows[a1] == boxRows[a2] && boxCols[a1] == boxCols[a2] {
				conflicting[a1] = true
				conflicting[a2] = true
			}
		}
	}

	for a := 0; a < n; a++ {
		applicable[a] = applicable[a] && !conflicting[a]
	}
	return applicable
}

// apply produces the successor state from exactly the applicable
// actions; every other agent keeps its position, identical to an
// explicit NoOp.
func (s *Sequence) apply(joint []*Action, applicable []bool) *State {
	cur := s.latest()
	next := cur.clone()

	for a := range joint {
		if !applicable[a] {
			continue
		}
		act := joint[a]
		switch act.Type {
		case ActNoOp:
			// Nothing moves.

		case ActMove:
			next.AgentRows[a] = cur.AgentRows[a] + act.MoveDRow
			next.AgentCols[a] = cur.AgentCols[a] + act.MoveDCol

		case ActPush:
			newAgentRow := cur.AgentRows[a] + act.BoxDRow
			newAgentCol := cur.AgentCols[a] + act.BoxDCol
			s.moveBox(next, newAgentRow, newAgentCol,
				newAgentRow+act.MoveDRow, newAgentCol+act.MoveDCol)
			next.AgentRows[a] = newAgentRow
			next.AgentCols[a] = newAgentCol

		case ActPull:
			oldBoxRow := cur.AgentRows[a] - act.BoxDRow
			oldBoxCol := cur.AgentCols[a] - act.BoxDCol
			next.AgentRows[a] = cur.AgentRows[a] + act.MoveDRow
			next.AgentCols[a] = cur.AgentCols[a] + act.MoveDCol
			s.moveBox(next, oldBoxRow, oldBoxCol, cur.AgentRows[a], cur.AgentCols[a])
		}
	}

	return next
}

// Execute resolves one joint action against the latest state, appends
// the successor, and returns the per-agent success flags. timeNS is
// the receipt time in nanoseconds since protocol start.
func (s *Sequence) Execute(joint []*Action, timeNS int64) []bool {
	applicable := s.isApplicable(joint)
	next := s.apply(joint, applicable)

	if s.discardPast {
		// Swap in a fresh snapshot pair so readers of slot 0 (the
		// observer and metrics surfaces stay live in this mode) never
		// observe a partial overwrite.
		s.snaps.Store(&snapshots{states: []*State{next}, times: []int64{timeNS}})
		return applicable
	}

	sn := s.snaps.Load()
	n := int(s.numStates.Load())
	if n == len(sn.states) {
		grown := &snapshots{
			states: make([]*State, 2*len(sn.states)),
			times:  make([]int64, 2*len(sn.times)),
		}
		copy(grown.states, sn.states)
		copy(grown.times, sn.times)
		sn = grown
		// Publish the grown buffer before the element write; the
		// counter increment below orders both for readers, and readers
		// still holding the old buffer keep a valid prefix.
		s.snaps.Store(sn)
	}
	sn.states[n] = next
	sn.times[n] = timeNS
	s.numStates.Add(1)

	return applicable
}

// IsGoalState reports whether every box goal holds a matching box and
// every agent with a goal is on it, in the state at the given index.
func (s *Sequence) IsGoalState(i int) bool {
	st := s.State(i)

	for g := 0; g < s.level.NumBoxGoals; g++ {
		row, col, letter := s.level.BoxGoalRows[g], s.level.BoxGoalCols[g], s.level.BoxGoalLetters[g]
		if !s.boxWithLetterAt(st, row, col, letter) {
			return false
		}
	}
	for a := 0; a < s.level.NumAgents; a++ {
		gRow := s.level.AgentGoalRows[a]
		if gRow == -1 {
			continue
		}
		if st.AgentRows[a] != gRow || st.AgentCols[a] != s.level.AgentGoalCols[a] {
			return false
		}
	}
	return true
}

// boxWithLetterAt scans the given (possibly historical) state; the
// sorted index is only valid for the latest state.
func (s *Sequence) boxWithLetterAt(st *State, row, col int16, letter byte) bool {
	for b := 0; b < s.level.NumBoxes; b++ {
		if st.BoxRows[b] == row && st.BoxCols[b] == col {
			return s.level.BoxLetters[b] == letter
		}
	}
	return false
}

// Solved reports whether the latest state is a goal state.
func (s *Sequence) Solved() bool {
	return s.IsGoalState(s.NumStates() - 1)
}

// LoadLevel parses a level and seeds a sequence with its initial
// state.
func LoadLevel(r io.Reader) (*Sequence, error) {
	level, initial, err := ParseLevel(r)
	if err != nil {
		return nil, err
	}
	return NewSequence(level, initial), nil
}
