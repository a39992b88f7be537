package hospital

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// ParseError is a line-numbered error produced while loading a level
// or run log. Line is zero for errors that concern the level as a
// whole (e.g. enclosure violations).
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
	}
	return e.Msg
}

func parseErrorf(line int, format string, args ...any) error {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

const (
	maxDim    = 1<<15 - 1 // rows and cols must fit 15-bit signed range
	maxAgents = 10
)

// Level holds the static part of a parsed level. Immutable once
// parsing has finished.
type Level struct {
	Name string

	NumRows int16
	NumCols int16
	walls   bitset

	NumAgents   int
	AgentColors [maxAgents]Color

	NumBoxes   int
	BoxLetters []byte // box id -> letter (0..25)
	BoxColors  [26]Color

	// Agent goal cells, indexed by agent id. -1 means no goal.
	AgentGoalRows []int16
	AgentGoalCols []int16

	// Box goal cells, lexicographically sorted by (row, col) due to
	// grid scan order, enabling binary search.
	NumBoxGoals    int
	BoxGoalRows    []int16
	BoxGoalCols    []int16
	BoxGoalLetters []byte
}

// WallAt reports whether (row, col) is a wall (including cells outside
// any enclosed region, which are treated as implicit walls).
func (l *Level) WallAt(row, col int16) bool {
	return l.walls.get(int(row)*int(l.NumCols) + int(col))
}

// FindBoxGoal binary searches the box goal list for (row, col) and
// returns its index, or -1.
func (l *Level) FindBoxGoal(row, col int16) int {
	lo, hi := 0, l.NumBoxGoals-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		midRow, midCol := l.BoxGoalRows[mid], l.BoxGoalCols[mid]
		switch {
		case midRow < row || (midRow == row && midCol < col):
			lo = mid + 1
		case midRow > row || (midRow == row && midCol > col):
			hi = mid - 1
		default:
			return mid
		}
	}
	return -1
}

// BoxGoalAt returns the goal letter (0..25) at (row, col), or -1.
func (l *Level) BoxGoalAt(row, col int16) int8 {
	if g := l.FindBoxGoal(row, col); g != -1 {
		return int8(l.BoxGoalLetters[g])
	}
	return -1
}

// AgentGoalAt returns the agent id (0..9) whose goal is (row, col),
// or -1.
func (l *Level) AgentGoalAt(row, col int16) int8 {
	for a := 0; a < l.NumAgents; a++ {
		if l.AgentGoalRows[a] == row && l.AgentGoalCols[a] == col {
			return int8(a)
		}
	}
	return -1
}

type bitset []uint64

func newBitset(n int) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) get(i int) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitset) set(i int) {
	b[i/64] |= 1 << (i % 64)
}

// lineReader counts lines and rejects non-ASCII content.
type lineReader struct {
	sc   *bufio.Scanner
	line int
}

func newLineReader(r io.Reader) *lineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	return &lineReader{sc: sc}
}

// readLine returns the next line, or ok=false at end of input.
func (r *lineReader) readLine() (s string, ok bool, err error) {
	if !r.sc.Scan() {
		if err := r.sc.Err(); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	r.line++
	line := r.sc.Text()
	for i := 0; i < len(line); i++ {
		if line[i] > 127 {
			return "", false, parseErrorf(r.line, "content not valid ASCII")
		}
	}
	return line, true, nil
}

type parser struct {
	r       *lineReader
	lv      *Level
	initial *State
}

// ParseLevel parses a level file (sections #domain through #end) into
// its static data and initial state. The reader must hold exactly one
// level; trailing content is an error.
func ParseLevel(r io.Reader) (*Level, *State, error) {
	p := &parser{r: newLineReader(r)}
	line, err := p.parseLevelSections()
	if err != nil {
		return nil, nil, err
	}
	if line != "" {
		return nil, nil, parseErrorf(p.r.line, "expected no more content after end section")
	}
	return p.lv, p.initial, nil
}

// parseLevelSections consumes everything through the first #end and
// returns the line following it ("" at end of input).
func (p *parser) parseLevelSections() (string, error) {
	p.lv = &Level{}

	// Domain header pair; the tag content is not validated.
	for i := 0; i < 2; i++ {
		if _, ok, err := p.r.readLine(); err != nil {
			return "", err
		} else if !ok {
			return "", parseErrorf(p.r.line, "expected domain header, but reached end of file")
		}
	}

	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok || line != "#levelname" {
		return "", parseErrorf(p.r.line, "expected beginning of level name section (#levelname)")
	}
	if line, err = p.parseNameSection(); err != nil {
		return "", err
	}

	if line != "#colors" {
		return "", parseErrorf(p.r.line, "expected beginning of color section (#colors)")
	}
	if line, err = p.parseColorsSection(); err != nil {
		return "", err
	}

	if line != "#initial" {
		return "", parseErrorf(p.r.line, "expected beginning of initial state section (#initial)")
	}
	if line, err = p.parseInitialSection(); err != nil {
		return "", err
	}

	if line != "#goal" {
		return "", parseErrorf(p.r.line, "expected beginning of goal state section (#goal)")
	}
	if line, err = p.parseGoalSection(); err != nil {
		return "", err
	}

	if err := p.checkDeclaredColorsUsed(); err != nil {
		return "", err
	}

	if err := p.checkObjectsEnclosedInWalls(); err != nil {
		return "", err
	}

	if !strings.EqualFold(strings.TrimRight(line, " "), "#end") {
		return "", parseErrorf(p.r.line, "expected end section (#end)")
	}
	return p.nextLine()
}

func (p *parser) nextLine() (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return line, nil
}

func (p *parser) parseNameSection() (string, error) {
	line, ok, err := p.r.readLine()
	if err != nil {
		return "", err
	}
	if !ok {
		return "", parseErrorf(p.r.line, "expected a level name, but reached end of file")
	}
	if strings.TrimSpace(line) == "" {
		return "", parseErrorf(p.r.line, "level name can not be blank")
	}
	p.lv.Name = line
	return p.nextLine()
}

func (p *parser) parseColorsSection() (string, error) {
	for {
		line, ok, err := p.r.readLine()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", parseErrorf(p.r.line,
				"expected more color lines or end of color section, but reached end of file")
		}
		if strings.HasPrefix(line, "#") {
			return line, nil
		}

		split := strings.Split(line, ":")
		if len(split) < 2 {
			return "", parseErrorf(p.r.line, "invalid color line syntax - missing a colon?")
		}
		if len(split) > 2 {
			return "", parseErrorf(p.r.line, "invalid color line syntax - too many colons?")
		}

		colorName := strings.ToLower(strings.TrimSpace(split[0]))
		color := ParseColor(colorName)
		if color == ColorNone {
			return "", parseErrorf(p.r.line, "invalid color name: '%s'", colorName)
		}

		for _, symbol := range strings.Split(split[1], ",") {
			symbol = strings.TrimSpace(symbol)
			if symbol == "" {
				return "", parseErrorf(p.r.line, "missing agent or box specifier between commas")
			}
			if len(symbol) > 1 {
				return "", parseErrorf(p.r.line, "invalid agent or box symbol: '%s'", symbol)
			}
			s := symbol[0]
			switch {
			case '0' <= s && s <= '9':
				if p.lv.AgentColors[s-'0'] != ColorNone {
					return "", parseErrorf(p.r.line, "agent '%c' already has a color specified", s)
				}
				p.lv.AgentColors[s-'0'] = color
			case 'A' <= s && s <= 'Z':
				if p.lv.BoxColors[s-'A'] != ColorNone {
					return "", parseErrorf(p.r.line, "box '%c' already has a color specified", s)
				}
				p.lv.BoxColors[s-'A'] = color
			default:
				return "", parseErrorf(p.r.line, "invalid agent or box symbol: '%c'", s)
			}
		}
	}
}

func (p *parser) parseInitialSection() (string, error) {
	lv := p.lv

	var wallRows, wallCols []int16
	var boxRows, boxCols []int16
	var boxLetters []byte

	agentRows := [maxAgents]int16{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1}
	agentCols := [maxAgents]int16{-1, -1, -1, -1, -1, -1, -1, -1, -1, -1}

	numRows := 0
	var line string
	for {
		l, ok, err := p.r.readLine()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", parseErrorf(p.r.line,
				"expected more initial state lines or end of initial state section, but reached end of file")
		}
		if strings.HasPrefix(l, "#") {
			line = l
			break
		}

		l = strings.TrimRight(l, " ")
		if len(l) > maxDim {
			return "", parseErrorf(p.r.line, "initial state too large, width greater than %d", maxDim)
		}
		if len(l) > int(lv.NumCols) {
			lv.NumCols = int16(len(l))
		}

		for col := 0; col < len(l); col++ {
			c := l[col]
			switch {
			case c == ' ':
				// Free cell.
			case c == '+':
				wallRows = append(wallRows, int16(numRows))
				wallCols = append(wallCols, int16(col))
			case '0' <= c && c <= '9':
				if agentRows[c-'0'] != -1 {
					return "", parseErrorf(p.r.line, "agent '%c' appears multiple times in initial state", c)
				}
				if lv.AgentColors[c-'0'] == ColorNone {
					return "", parseErrorf(p.r.line, "agent '%c' has no color specified", c)
				}
				agentRows[c-'0'] = int16(numRows)
				agentCols[c-'0'] = int16(col)
			case 'A' <= c && c <= 'Z':
				if lv.BoxColors[c-'A'] == ColorNone {
					return "", parseErrorf(p.r.line, "box '%c' has no color specified", c)
				}
				boxRows = append(boxRows, int16(numRows))
				boxCols = append(boxCols, int16(col))
				boxLetters = append(boxLetters, c-'A')
			default:
				return "", parseErrorf(p.r.line, "invalid character '%c' in column %d", c, col)
			}
		}

		numRows++
		if numRows > maxDim {
			return "", parseErrorf(p.r.line, "initial state too large, height greater than %d", maxDim)
		}
	}
	lv.NumRows = int16(numRows)

	// Agents must be numbered consecutively from 0.
	for a := 0; a < maxAgents; a++ {
		if agentRows[a] != -1 {
			if lv.NumAgents != a {
				return "", parseErrorf(p.r.line, "agents must be numbered consecutively")
			}
			lv.NumAgents++
		}
	}
	if lv.NumAgents == 0 {
		return "", parseErrorf(p.r.line, "level contains no agents")
	}

	lv.walls = newBitset(int(lv.NumRows) * int(lv.NumCols))
	for i := range wallRows {
		lv.walls.set(int(wallRows[i])*int(lv.NumCols) + int(wallCols[i]))
	}

	lv.NumBoxes = len(boxRows)
	lv.BoxLetters = boxLetters

	p.initial = &State{
		BoxRows:   boxRows,
		BoxCols:   boxCols,
		AgentRows: append([]int16(nil), agentRows[:lv.NumAgents]...),
		AgentCols: append([]int16(nil), agentCols[:lv.NumAgents]...),
	}

	return line, nil
}

func (p *parser) parseGoalSection() (string, error) {
	lv := p.lv

	lv.AgentGoalRows = make([]int16, lv.NumAgents)
	lv.AgentGoalCols = make([]int16, lv.NumAgents)
	for a := range lv.AgentGoalRows {
		lv.AgentGoalRows[a] = -1
		lv.AgentGoalCols[a] = -1
	}

	row := int16(0)
	for {
		l, ok, err := p.r.readLine()
		if err != nil {
			return "", err
		}
		if !ok {
			return "", parseErrorf(p.r.line,
				"expected more goal state lines or end of goal state section, but reached end of file")
		}
		if strings.HasPrefix(l, "#") {
			if row != lv.NumRows {
				return "", parseErrorf(p.r.line,
					"goal state must have the same number of rows as the initial state, but has too few")
			}
			return l, nil
		}
		if row == lv.NumRows {
			return "", parseErrorf(p.r.line,
				"goal state must have the same number of rows as the initial state, but has too many")
		}

		l = strings.TrimRight(l, " ")
		if len(l) > maxDim {
			return "", parseErrorf(p.r.line, "goal state too large, width greater than %d", maxDim)
		}
		if len(l) > int(lv.NumCols) {
			return "", parseErrorf(p.r.line, "goal state can not have more columns than the initial state")
		}

		col := int16(0)
		for ; int(col) < len(l); col++ {
			c := l[col]
			switch {
			case c == '+':
				if !lv.WallAt(row, col) {
					return "", parseErrorf(p.r.line,
						"initial state has no wall at column %d, but goal state does", col)
				}
			case lv.WallAt(row, col):
				return "", parseErrorf(p.r.line,
					"goal state not matching initial state's wall on column %d", col)
			case c == ' ':
				// Free cell.
			case '0' <= c && c <= '9':
				if int(c-'0') >= lv.NumAgents {
					return "", parseErrorf(p.r.line,
						"goal state has agent '%c' who does not appear in the initial state", c)
				}
				if lv.AgentGoalRows[c-'0'] != -1 {
					return "", parseErrorf(p.r.line, "agent '%c' appears multiple times in goal state", c)
				}
				lv.AgentGoalRows[c-'0'] = row
				lv.AgentGoalCols[c-'0'] = col
			case 'A' <= c && c <= 'Z':
				lv.BoxGoalRows = append(lv.BoxGoalRows, row)
				lv.BoxGoalCols = append(lv.BoxGoalCols, col)
				lv.BoxGoalLetters = append(lv.BoxGoalLetters, c-'A')
			default:
				return "", parseErrorf(p.r.line, "invalid character '%c' in column %d", c, col)
			}
		}
		// Shorter goal lines must not omit walls present in the
		// initial state.
		for ; col < lv.NumCols; col++ {
			if lv.WallAt(row, col) {
				return "", parseErrorf(p.r.line,
					"goal state not matching initial state's wall on column %d", col)
			}
		}
		row++
	}
}

// checkDeclaredColorsUsed rejects color declarations for symbols that
// appear in neither the initial nor the goal state.
func (p *parser) checkDeclaredColorsUsed() error {
	lv := p.lv

	for a := lv.NumAgents; a < maxAgents; a++ {
		if lv.AgentColors[a] != ColorNone {
			return parseErrorf(0, "agent '%c' has a color specified, but does not appear in the level", '0'+a)
		}
	}

	var used [26]bool
	for _, letter := range lv.BoxLetters {
		used[letter] = true
	}
	for _, letter := range lv.BoxGoalLetters {
		used[letter] = true
	}
	for letter := 0; letter < 26; letter++ {
		if lv.BoxColors[letter] != ColorNone && !used[letter] {
			return parseErrorf(0, "box '%c' has a color specified, but does not appear in the level", 'A'+letter)
		}
	}
	return nil
}

// checkObjectsEnclosedInWalls flood-fills from every agent, box, and
// goal cell and fails if any of those regions can reach the grid
// boundary. Cells never reached by any flood fill become implicit
// walls so occupancy queries never consider them free.
func (p *parser) checkObjectsEnclosedInWalls() error {
	lv := p.lv
	lv.NumBoxGoals = len(lv.BoxGoalRows)

	visited := newBitset(int(lv.NumRows) * int(lv.NumCols))

	for a := 0; a < lv.NumAgents; a++ {
		row, col := p.initial.AgentRows[a], p.initial.AgentCols[a]
		if !lv.enclosed(row, col, visited) {
			return parseErrorf(0, "agent '%c' at (%d, %d) is not in an area enclosed by walls",
				'0'+a, row, col)
		}
		gRow, gCol := lv.AgentGoalRows[a], lv.AgentGoalCols[a]
		if gRow != -1 && !lv.enclosed(gRow, gCol, visited) {
			return parseErrorf(0, "agent '%c's goal cell at (%d, %d) is not in an area enclosed by walls",
				'0'+a, gRow, gCol)
		}
	}

	for b := 0; b < lv.NumBoxes; b++ {
		row, col := p.initial.BoxRows[b], p.initial.BoxCols[b]
		if !lv.enclosed(row, col, visited) {
			return parseErrorf(0, "box '%c' at (%d, %d) is not in an area enclosed by walls",
				'A'+lv.BoxLetters[b], row, col)
		}
	}

	for g := 0; g < lv.NumBoxGoals; g++ {
		row, col := lv.BoxGoalRows[g], lv.BoxGoalCols[g]
		if !lv.enclosed(row, col, visited) {
			return parseErrorf(0, "box goal '%c' at (%d, %d) is not in an area enclosed by walls",
				'A'+lv.BoxGoalLetters[g], row, col)
		}
	}

	// Unreached cells are implicit walls.
	for i := range lv.walls {
		lv.walls[i] |= ^visited[i]
	}

	return nil
}

type cell struct{ row, col int16 }

// enclosed runs an iterative DFS from (startRow, startCol) and reports
// whether the reachable non-wall region avoids the grid boundary.
// visited is shared across calls so each region is only explored once.
func (l *Level) enclosed(startRow, startCol int16, visited bitset) bool {
	idx := func(row, col int16) int { return int(row)*int(l.NumCols) + int(col) }

	if visited.get(idx(startRow, startCol)) {
		return true
	}

	stack := make([]cell, 0, 1024)
	stack = append(stack, cell{startRow, startCol})
	visited.set(idx(startRow, startCol))

	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if l.walls.get(idx(c.row, c.col)) {
			continue
		}
		if c.row == 0 || c.row == l.NumRows-1 || c.col == 0 || c.col == l.NumCols-1 {
			return false
		}

		for _, d := range [4]cell{{-1, 0}, {1, 0}, {0, -1}, {0, 1}} {
			nRow, nCol := c.row+d.row, c.col+d.col
			if !visited.get(idx(nRow, nCol)) {
				visited.set(idx(nRow, nCol))
				stack = append(stack, cell{nRow, nCol})
			}
		}
	}

	return true
}
