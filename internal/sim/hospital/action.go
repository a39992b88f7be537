package hospital

// ActionType discriminates the four kinds of agent actions.
type ActionType uint8

const (
	ActNoOp ActionType = iota
	ActMove
	ActPush
	ActPull
)

// Action is one entry of the fixed action catalogue. MoveDRow/MoveDCol
// is the displacement of the moving entity in the action's movement
// direction (the agent for Move and Pull, the box for Push).
// BoxDRow/BoxDCol is the direction from the agent to the manipulated
// box for Push, and the direction the box moves for Pull.
type Action struct {
	Name     string
	Type     ActionType
	MoveDRow int16
	MoveDCol int16
	BoxDRow  int16
	BoxDCol  int16
}

// The catalogue is closed: 1 NoOp + 4 Move + 12 Push + 12 Pull.
// Combinations where the agent and box would swap cells (e.g.
// Push(W,E)) are deliberately absent.
var actionCatalogue = []Action{
	{"NoOp", ActNoOp, 0, 0, 0, 0},

	{"Move(N)", ActMove, -1, 0, 0, 0},
	{"Move(S)", ActMove, 1, 0, 0, 0},
	{"Move(E)", ActMove, 0, 1, 0, 0},
	{"Move(W)", ActMove, 0, -1, 0, 0},

	{"Push(N,N)", ActPush, -1, 0, -1, 0},
	{"Push(N,E)", ActPush, 0, 1, -1, 0},
	{"Push(N,W)", ActPush, 0, -1, -1, 0},
	{"Push(S,S)", ActPush, 1, 0, 1, 0},
	{"Push(S,E)", ActPush, 0, 1, 1, 0},
	{"Push(S,W)", ActPush, 0, -1, 1, 0},
	{"Push(E,N)", ActPush, -1, 0, 0, 1},
	{"Push(E,S)", ActPush, 1, 0, 0, 1},
	{"Push(E,E)", ActPush, 0, 1, 0, 1},
	{"Push(W,N)", ActPush, -1, 0, 0, -1},
	{"Push(W,S)", ActPush, 1, 0, 0, -1},
	{"Push(W,W)", ActPush, 0, -1, 0, -1},

	{"Pull(N,N)", ActPull, -1, 0, -1, 0},
	{"Pull(N,E)", ActPull, -1, 0, 0, 1},
	{"Pull(N,W)", ActPull, -1, 0, 0, -1},
	{"Pull(S,S)", ActPull, 1, 0, 1, 0},
	{"Pull(S,E)", ActPull, 1, 0, 0, 1},
	{"Pull(S,W)", ActPull, 1, 0, 0, -1},
	{"Pull(E,N)", ActPull, 0, 1, -1, 0},
	{"Pull(E,S)", ActPull, 0, 1, 1, 0},
	{"Pull(E,E)", ActPull, 0, 1, 0, 1},
	{"Pull(W,N)", ActPull, 0, -1, -1, 0},
	{"Pull(W,S)", ActPull, 0, -1, 1, 0},
	{"Pull(W,W)", ActPull, 0, -1, 0, -1},
}

var actionsByName = func() map[string]*Action {
	m := make(map[string]*Action, len(actionCatalogue))
	for i := range actionCatalogue {
		m[actionCatalogue[i].Name] = &actionCatalogue[i]
	}
	return m
}()

// ParseAction matches a single action token against the catalogue.
// The match is exact; unknown tokens (including any `@message` callout
// suffix) yield nil.
func ParseAction(token string) *Action {
	return actionsByName[token]
}
