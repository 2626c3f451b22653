package safeflow

import (
	"fmt"
	"strings"
)

// Disruption is a test-only fault token consumed once per activity cycle.
type Disruption int

const (
	DisruptionNone Disruption = iota
	// Wait emulates a metadata store outage before the gate runs.
	DisruptionWait
	// Crash emulates a failure inside the outer scheduler.
	DisruptionCrash
	// Pass forces immediate success without calling the step.
	DisruptionPass
	// Stall forces one retryable failure.
	DisruptionStall
	// Fail forces a fatal failure.
	DisruptionFail
	// Drag delays the step to half the activity timeout.
	DisruptionDrag
	// Stick delays the step to twice the activity timeout.
	DisruptionStick
	// Choke forces one deferred cycle.
	DisruptionChoke
)

var disruptionNames = [...]string{
	DisruptionNone:  "",
	DisruptionWait:  "Wait",
	DisruptionCrash: "Crash",
	DisruptionPass:  "Pass",
	DisruptionStall: "Stall",
	DisruptionFail:  "Fail",
	DisruptionDrag:  "Drag",
	DisruptionStick: "Stick",
	DisruptionChoke: "Choke",
}

func (d Disruption) String() string {
	if d < 0 || int(d) >= len(disruptionNames) {
		return fmt.Sprintf("Disruption(%d)", int(d))
	}
	return disruptionNames[d]
}

// ParseDisruption resolves a token name, ignoring case.
func ParseDisruption(name string) (Disruption, error) {
	name = strings.TrimSpace(name)
	for i, candidate := range disruptionNames {
		if i == int(DisruptionNone) {
			continue
		}
		if strings.EqualFold(candidate, name) {
			return Disruption(i), nil
		}
	}
	return DisruptionNone, fmt.Errorf("unknown disruption %q", name)
}

func (d Disruption) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Disruption) UnmarshalText(text []byte) error {
	if strings.TrimSpace(string(text)) == "" {
		*d = DisruptionNone
		return nil
	}
	parsed, err := ParseDisruption(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// DisruptionStack is an ordered list of tokens consumed by index. The
// cursor is persisted with the activity record so that a redelivered
// cycle skips the tokens already spent before the result was lost.
type DisruptionStack struct {
	Tokens []Disruption `json:"tokens,omitempty"`
	Cursor int          `json:"cursor"`
}

// NewDisruptionStack builds a stack from token names.
func NewDisruptionStack(names ...string) (DisruptionStack, error) {
	stack := DisruptionStack{}
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		token, err := ParseDisruption(name)
		if err != nil {
			return DisruptionStack{}, err
		}
		stack.Tokens = append(stack.Tokens, token)
	}
	return stack, nil
}

// Pop returns the next token and advances the cursor. It reports false
// once the stack is exhausted.
func (s *DisruptionStack) Pop() (Disruption, bool) {
	if s == nil || s.Cursor >= len(s.Tokens) {
		return DisruptionNone, false
	}
	token := s.Tokens[s.Cursor]
	s.Cursor++
	return token, true
}

// AlignTo fast-forwards the cursor. It never rewinds.
func (s *DisruptionStack) AlignTo(cursor int) {
	if s == nil {
		return
	}
	if cursor > len(s.Tokens) {
		cursor = len(s.Tokens)
	}
	if cursor > s.Cursor {
		s.Cursor = cursor
	}
}

func (s DisruptionStack) Remaining() int {
	if s.Cursor >= len(s.Tokens) {
		return 0
	}
	return len(s.Tokens) - s.Cursor
}

func (s DisruptionStack) Consumed() int {
	if s.Cursor > len(s.Tokens) {
		return len(s.Tokens)
	}
	return s.Cursor
}

func (s DisruptionStack) Empty() bool {
	return len(s.Tokens) == 0
}

func (s DisruptionStack) Clone() DisruptionStack {
	out := DisruptionStack{Cursor: s.Cursor}
	if len(s.Tokens) > 0 {
		out.Tokens = append([]Disruption(nil), s.Tokens...)
	}
	return out
}

func (s DisruptionStack) String() string {
	parts := make([]string, 0, len(s.Tokens))
	for i, token := range s.Tokens {
		name := token.String()
		if i < s.Cursor {
			name = "~" + name
		}
		parts = append(parts, name)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
