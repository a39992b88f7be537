package hospital

// State holds the dynamic part of one snapshot: parallel row/col
// arrays indexed by box id and agent id. States are copy-on-write;
// once published they are never mutated.
type State struct {
	BoxRows   []int16
	BoxCols   []int16
	AgentRows []int16
	AgentCols []int16
}

func (s *State) clone() *State {
	n := &State{
		BoxRows:   make([]int16, len(s.BoxRows)),
		BoxCols:   make([]int16, len(s.BoxCols)),
		AgentRows: make([]int16, len(s.AgentRows)),
		AgentCols: make([]int16, len(s.AgentCols)),
	}
	copy(n.BoxRows, s.BoxRows)
	copy(n.BoxCols, s.BoxCols)
	copy(n.AgentRows, s.AgentRows)
	copy(n.AgentCols, s.AgentCols)
	return n
}
