package models

import "fmt"

// ScoresPath is the fixed path of the replicated score record.
const ScoresPath = "/scores"

// Field names of the replicated score record.
const (
	FieldLeftScore  = "left_score"
	FieldRightScore = "right_score"
)

// Side selects one of the two scores.
type Side string

const (
	SideLeft  Side = "left"
	SideRight Side = "right"
)

// ParseSide parses "left" or "right".
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLeft, SideRight:
		return Side(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownSide, s)
	}
}

// ScorePair is the canonical score state. Both fields are never negative.
type ScorePair struct {
	Left  int `json:"left"`
	Right int `json:"right"`
}

// Validate reports an error if either score is negative.
func (p ScorePair) Validate() error {
	if p.Left < 0 || p.Right < 0 {
		return fmt.Errorf("%w: (%d, %d)", ErrNegativeScore, p.Left, p.Right)
	}
	return nil
}

// Get returns the score for a side.
func (p ScorePair) Get(side Side) int {
	if side == SideRight {
		return p.Right
	}
	return p.Left
}

// With returns a copy of p with the score for side replaced.
func (p ScorePair) With(side Side, value int) ScorePair {
	if side == SideRight {
		p.Right = value
	} else {
		p.Left = value
	}
	return p
}

// Incremented returns p with side increased by one.
func (p ScorePair) Incremented(side Side) ScorePair {
	return p.With(side, p.Get(side)+1)
}

// Decremented returns p with side decreased by one. The second return value is
// false when the score is already zero, in which case p is returned unchanged.
func (p ScorePair) Decremented(side Side) (ScorePair, bool) {
	current := p.Get(side)
	if current <= 0 {
		return p, false
	}
	return p.With(side, current-1), true
}

func (p ScorePair) String() string {
	return fmt.Sprintf("%d - %d", p.Left, p.Right)
}

// MirrorViewState is what a mirror exposes to its renderer. While Initialized
// is false both scores are nil and the renderer shows a pending state.
type MirrorViewState struct {
	Initialized bool `json:"initialized"`
	Left        *int `json:"left,omitempty"`
	Right       *int `json:"right,omitempty"`
}

// NewMirrorViewState builds an initialized view from a pair.
func NewMirrorViewState(p ScorePair) MirrorViewState {
	left, right := p.Left, p.Right
	return MirrorViewState{
		Initialized: true,
		Left:        &left,
		Right:       &right,
	}
}

// Pair returns the scores of an initialized view.
func (v MirrorViewState) Pair() (ScorePair, bool) {
	if !v.Initialized || v.Left == nil || v.Right == nil {
		return ScorePair{}, false
	}
	return ScorePair{Left: *v.Left, Right: *v.Right}, true
}
