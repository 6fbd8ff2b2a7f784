package history

import "sync"

// Affordance is what a per-record playback control currently offers.
type Affordance int

const (
	AffordancePlay Affordance = iota
	AffordancePlaying
)

func (a Affordance) String() string {
	if a == AffordancePlaying {
		return "playing"
	}
	return "play"
}

// Control receives affordance updates for one record.
type Control interface {
	SetAffordance(Affordance)
}

// Toggle is a Control that remembers its affordance and can notify a view.
type Toggle struct {
	mu       sync.Mutex
	state    Affordance
	onChange func(Affordance)
}

// NewToggle returns a Toggle in the play state. onChange may be nil.
func NewToggle(onChange func(Affordance)) *Toggle {
	return &Toggle{onChange: onChange}
}

// SetAffordance implements Control.
func (t *Toggle) SetAffordance(a Affordance) {
	t.mu.Lock()
	changed := t.state != a
	t.state = a
	fn := t.onChange
	t.mu.Unlock()

	if changed && fn != nil {
		fn(a)
	}
}

// Affordance returns the current state.
func (t *Toggle) Affordance() Affordance {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}
