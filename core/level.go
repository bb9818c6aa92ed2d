package core

import "fmt"

// Level is the rank of a node in the hierarchy. Levels increase with
// coarseness: a statement is the finest unit, an agent the coarsest.
type Level uint8

const (
	LevelStatement Level = iota
	LevelBlock
	LevelMessage
	LevelSession
	LevelAgent

	// NumLevels is the number of hierarchy levels.
	NumLevels = 5
)

func (l Level) String() string {
	switch l {
	case LevelStatement:
		return "statement"
	case LevelBlock:
		return "block"
	case LevelMessage:
		return "message"
	case LevelSession:
		return "session"
	case LevelAgent:
		return "agent"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(l))
	}
}

// Valid reports whether l names an actual hierarchy level.
func (l Level) Valid() bool {
	return l < NumLevels
}

// ChildLevel returns the level exactly one finer than l.
// Calling it on LevelStatement is a caller bug; the second return
// value is false in that case.
func (l Level) ChildLevel() (Level, bool) {
	if l == LevelStatement || !l.Valid() {
		return 0, false
	}
	return l - 1, true
}
