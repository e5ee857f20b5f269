package broker

// patternKind enumerates the supported subscription match variants.
type patternKind int

const (
	patternWildcard patternKind = iota
	patternExactType
	patternExactEvent
)

// Pattern selects which messages an in-process subscriber receives. It is a
// closed set of variants so matching stays exhaustive: the wildcard, an exact
// message type, or an exact event name.
type Pattern struct {
	kind patternKind
	value string
}

// MatchAll matches every application message.
func MatchAll() Pattern {
	return Pattern{kind: patternWildcard}
}

// MatchType matches messages whose declared type equals t.
func MatchType(t string) Pattern {
	return Pattern{kind: patternExactType, value: t}
}

// MatchEvent matches messages whose event name equals e.
func MatchEvent(e string) Pattern {
	return Pattern{kind: patternExactEvent, value: e}
}

// Matches reports whether msg is selected by the pattern.
func (p Pattern) Matches(msg *Message) bool {
	switch p.kind {
	case patternWildcard:
		return true
	case patternExactType:
		return msg.Type == p.value
	case patternExactEvent:
		return msg.Event == p.value
	default:
		return false
	}
}

// String renders the pattern in the wire-style notation used in logs.
func (p Pattern) String() string {
	switch p.kind {
	case patternWildcard:
		return "*"
	case patternExactType:
		return "type:" + p.value
	case patternExactEvent:
		return "event:" + p.value
	default:
		return "invalid"
	}
}
