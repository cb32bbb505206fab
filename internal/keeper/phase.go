package keeper

import (
	"errors"
	"fmt"
)

// Phase is a bootstrap step. Phases only move forward.
type Phase int

const (
	Unfunded Phase = iota
	Funded
	AssetWrapped
	UserInitialized
	Deposited
	Ready
)

var phaseNames = [...]string{
	Unfunded:        "Unfunded",
	Funded:          "Funded",
	AssetWrapped:    "AssetWrapped",
	UserInitialized: "UserInitialized",
	Deposited:       "Deposited",
	Ready:           "Ready",
}

func (p Phase) String() string {
	if p < Unfunded || p > Ready {
		return fmt.Sprintf("Phase(%d)", int(p))
	}
	return phaseNames[p]
}

// Next returns the phase after p. Ready is terminal.
func (p Phase) Next() Phase {
	if p >= Ready {
		return Ready
	}
	return p + 1
}

// ErrFatalPhase matches every PhaseError.
var ErrFatalPhase = errors.New("fatal bootstrap phase")

// PhaseError reports the transition that aborted bootstrap. Phase is the
// phase the sequencer was in, not the one it was trying to reach.
type PhaseError struct {
	Phase Phase
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("bootstrap %s -> %s: %v", e.Phase, e.Phase.Next(), e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

func (e *PhaseError) Is(target error) bool { return target == ErrFatalPhase }
