package retry

// RollingWindow keeps the most recent outcomes of one subscription.
type RollingWindow struct {
	outcomes []bool
	next     int
	filled   int
}

func NewRollingWindow(size int) *RollingWindow {
	if size < 1 {
		size = 1
	}
	return &RollingWindow{outcomes: make([]bool, size)}
}

func (w *RollingWindow) Record(success bool) {
	w.outcomes[w.next] = success
	w.next = (w.next + 1) % len(w.outcomes)
	if w.filled < len(w.outcomes) {
		w.filled++
	}
}

func (w *RollingWindow) Full() bool {
	return w.filled == len(w.outcomes)
}

// Exhausted reports a full window with no success in it.
func (w *RollingWindow) Exhausted() bool {
	if !w.Full() {
		return false
	}
	for _, success := range w.outcomes {
		if success {
			return false
		}
	}
	return true
}

func (w *RollingWindow) FailureRate() float64 {
	if w.filled == 0 {
		return 0
	}
	failures := 0
	for _, success := range w.Outcomes() {
		if !success {
			failures++
		}
	}
	return float64(failures) / float64(w.filled)
}

// Outcomes returns recorded outcomes from oldest to newest.
func (w *RollingWindow) Outcomes() []bool {
	out := make([]bool, 0, w.filled)
	start := w.next - w.filled
	if start < 0 {
		start += len(w.outcomes)
	}
	for i := 0; i < w.filled; i++ {
		out = append(out, w.outcomes[(start+i)%len(w.outcomes)])
	}
	return out
}

func (w *RollingWindow) Reset() {
	w.next = 0
	w.filled = 0
}
