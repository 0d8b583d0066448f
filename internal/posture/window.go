package posture

// Window is a fixed-size ring of the most recent scores.
// It is not safe for concurrent use; the Machine guards it.
type Window struct {
	scores []float64
	next   int
	count  int
}

// NewWindow creates a window holding at most size scores.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{scores: make([]float64, size)}
}

// Push adds a score, evicting the oldest when full, and returns the new average.
func (w *Window) Push(score float64) float64 {
	w.scores[w.next] = score
	w.next = (w.next + 1) % len(w.scores)
	if w.count < len(w.scores) {
		w.count++
	}
	return w.Average()
}

// Average is the arithmetic mean of the held scores, 0 when empty.
func (w *Window) Average() float64 {
	if w.count == 0 {
		return 0
	}
	var sum float64
	for _, s := range w.Scores() {
		sum += s
	}
	return sum / float64(w.count)
}

// Scores returns the held scores oldest first.
func (w *Window) Scores() []float64 {
	out := make([]float64, 0, w.count)
	start := (w.next - w.count + len(w.scores)) % len(w.scores)
	for i := 0; i < w.count; i++ {
		out = append(out, w.scores[(start+i)%len(w.scores)])
	}
	return out
}

// Len is the number of held scores.
func (w *Window) Len() int { return w.count }

// Cap is the window size.
func (w *Window) Cap() int { return len(w.scores) }

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.scores {
		w.scores[i] = 0
	}
	w.next, w.count = 0, 0
}
