package rolling

// State is one of the three phases a rolling bit window can be in.
type State int

const (
	NotFilled State = iota
	BelowThreshold
	AboveThreshold
)

func (s State) String() string {
	switch s {
	case NotFilled:
		return "not_filled"
	case BelowThreshold:
		return "below_threshold"
	case AboveThreshold:
		return "above_threshold"
	default:
		return "unknown"
	}
}

// Edge is a (previous, new) state pair. Window transitions are looked up
// by edge, matching the EdgeActions dispatch table in the original
// ml/RollingBitWindow, expressed here as a switch rather than a map of
// member-function pointers (Go has no direct equivalent, and a switch
// keeps every transition's action next to its condition).
type Edge struct {
	From State
	To   State
}

// Window wraps a BitCounter with a set-bit threshold and reports, on
// every insert, the edge crossed and the run-length of the state being
// left. Not safe for concurrent use; Host calls Insert only from its
// detection tick and holds no lock around it.
type Window struct {
	counter   *BitCounter
	threshold int

	state  State
	length int
}

// NewWindow returns a Window over a BitCounter of the given capacity
// (MinLength in spec terms) and a popcount threshold.
func NewWindow(minLength, threshold int) *Window {
	return &Window{
		counter:   NewBitCounter(minLength),
		threshold: threshold,
		state:     NotFilled,
	}
}

// State returns the window's current state.
func (w *Window) State() State { return w.state }

// Length returns the current run length in the active state.
func (w *Window) Length() int { return w.length }

// MinLength returns the underlying counter's capacity.
func (w *Window) MinLength() int { return w.counter.Capacity() }

// Insert feeds one bit into the window. It returns the edge crossed and
// the length of the run being closed, captured before the transition's
// entry action applies, so a falling edge out of AboveThreshold reports
// the length of the run that just ended, which callers use to size the
// event they are about to compose.
func (w *Window) Insert(bit bool) (edge Edge, previousLength int) {
	w.counter.Insert(bit)
	previousLength = w.length

	from := w.state
	to := w.nextState()
	w.state = to
	w.applyEntry(from, to)

	return Edge{From: from, To: to}, previousLength
}

func (w *Window) nextState() State {
	if !w.counter.IsFilled() {
		return NotFilled
	}
	if w.counter.Popcount() >= w.threshold {
		return AboveThreshold
	}
	return BelowThreshold
}

func (w *Window) applyEntry(from, to State) {
	minLen := w.counter.Capacity()

	switch {
	case from == NotFilled && to == NotFilled:
		w.length++
	case from == NotFilled && to == BelowThreshold:
		w.length = minLen
	case from == NotFilled && to == AboveThreshold:
		w.length++
	case from == BelowThreshold && to == AboveThreshold:
		w.length = minLen
	case from == BelowThreshold && to == BelowThreshold:
		w.length = minLen
	case from == AboveThreshold && to == AboveThreshold:
		w.length++
	case from == AboveThreshold && to == BelowThreshold:
		w.length = minLen
	default:
		// from == BelowThreshold or AboveThreshold, to == NotFilled is
		// unreachable: IsFilled never goes false once true.
		w.length = minLen
	}
}
