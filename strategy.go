package nsqpool

import (
	"fmt"
	"strings"
)

// Strategy is the delivery guarantee of a publish: it decides how many
// connections of the pool must acknowledge a write for it to succeed.
type Strategy uint8

const (
	strategyInvalid Strategy = iota

	// Quorum requires half of the pool, rounded up, plus one.
	Quorum

	// AtLeastOne requires a single connection to receive the message.
	AtLeastOne

	// OnlyOne stops publishing as soon as one connection received the
	// message. Connections after the first success are never contacted.
	OnlyOne

	// All requires every connection of the pool to receive the message.
	All
)

var strategyNames = map[Strategy]string{
	Quorum:     "quorum",
	AtLeastOne: "at_least_one",
	OnlyOne:    "only_one",
	All:        "all",
}

// ParseStrategy returns the strategy named s. Names are case-insensitive
// and dashes are accepted in place of underscores.
func ParseStrategy(s string) (Strategy, error) {
	normalized := strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_")
	for strategy, name := range strategyNames {
		if name == normalized {
			return strategy, nil
		}
	}
	return strategyInvalid, fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// Valid reports whether st is one of the four strategies.
func (st Strategy) Valid() bool {
	_, ok := strategyNames[st]
	return ok
}

func (st Strategy) String() string {
	if name, ok := strategyNames[st]; ok {
		return name
	}
	return fmt.Sprintf("strategy(%d)", uint8(st))
}

// Required returns how many of n connections must acknowledge a write.
//
// The quorum is ceil(n/2)+1, one more than a classical majority. An
// unknown strategy falls back to the AtLeastOne threshold. The result is
// never below 1 so that a publish on an empty pool always fails.
func (st Strategy) Required(n int) int {
	var required int
	switch st {
	case Quorum:
		required = (n+1)/2 + 1
	case All:
		required = n
	default:
		required = 1
	}
	return max(required, 1)
}

func (st Strategy) MarshalText() ([]byte, error) {
	if !st.Valid() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStrategy, st)
	}
	return []byte(st.String()), nil
}

func (st *Strategy) UnmarshalText(text []byte) error {
	parsed, err := ParseStrategy(string(text))
	if err != nil {
		return err
	}
	*st = parsed
	return nil
}
