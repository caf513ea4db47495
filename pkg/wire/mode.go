package wire

import (
	"fmt"
	"strings"
)

// Mode selects how an association authenticates its payloads.
type Mode uint8

const (
	ModeN Mode = 1 // one HMAC per round
	ModeC Mode = 2 // batched HMACs under one key
	ModeM Mode = 3 // Merkle batch
	ModeZ Mode = 4 // unauthenticated baseline
)

var Modes = []Mode{ModeN, ModeC, ModeM, ModeZ}

func (m Mode) Valid() bool { return m >= ModeN && m <= ModeZ }

func (m Mode) String() string {
	switch m {
	case ModeN:
		return "N"
	case ModeC:
		return "C"
	case ModeM:
		return "M"
	case ModeZ:
		return "Z"
	}
	return fmt.Sprintf("mode(%d)", uint8(m))
}

func ParseMode(s string) (Mode, error) {
	for _, m := range Modes {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return 0, fmt.Errorf("wire: unknown mode %q", s)
}
