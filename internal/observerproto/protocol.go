// Package observerproto defines the wire messages for the read-only
// observer surface (HTTP bootstrap plus WS state stream).
package observerproto

// Version is the observer protocol version (separate from the
// line-oriented client protocol).
const Version = "1.0"

// Client -> Server. First message on the observer WS connection, and
// can be re-sent to rewind the stream.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// FromIndex is the first state index to stream (0 = from the
	// initial state).
	FromIndex int64 `json:"from_index"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string      `json:"protocol_version"`
	LevelName       string      `json:"level_name"`
	NumStates       int64       `json:"num_states"`
	Level           LevelParams `json:"level"`
}

// LevelParams carries the static level geometry: walls as '+'/' ' rows
// plus goal placements. Dynamic positions travel in StateMsg.
type LevelParams struct {
	NumRows    int      `json:"num_rows"`
	NumCols    int      `json:"num_cols"`
	NumAgents  int      `json:"num_agents"`
	Walls      []string `json:"walls"`
	AgentGoals []Goal   `json:"agent_goals"`
	BoxGoals   []Goal   `json:"box_goals"`
}

type Goal struct {
	Symbol string `json:"symbol"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
}

// Server -> Client. One message per recorded state, in index order.
type StateMsg struct {
	Type            string   `json:"type"`
	ProtocolVersion string   `json:"protocol_version"`
	Index           int64    `json:"index"`
	TimeNS          int64    `json:"time_ns"`
	Agents          []Entity `json:"agents"`
	Boxes           []Entity `json:"boxes"`
}

type Entity struct {
	Symbol string `json:"symbol"`
	Color  string `json:"color"`
	Row    int    `json:"row"`
	Col    int    `json:"col"`
}
