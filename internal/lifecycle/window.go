package lifecycle

// Sample is one run's contribution to the evaluation window.
type Sample struct {
	Reward float64 `json:"r"`
	Failed bool    `json:"f,omitempty"`
}

// Window is a bounded, oldest-first list of recent samples. It is embedded in
// every kind's payload so evaluation stays a function of stored state only.
type Window struct {
	Samples []Sample `json:"samples"`
}

// Push appends s and drops the oldest samples beyond size.
func (w *Window) Push(s Sample, size int) {
	w.Samples = append(w.Samples, s)
	if size > 0 && len(w.Samples) > size {
		w.Samples = append([]Sample(nil), w.Samples[len(w.Samples)-size:]...)
	}
}

func (w Window) Len() int { return len(w.Samples) }

func (w Window) Failures() int {
	n := 0
	for _, s := range w.Samples {
		if s.Failed {
			n++
		}
	}
	return n
}

func (w Window) FailureRatio() float64 {
	if len(w.Samples) == 0 {
		return 0
	}
	return float64(w.Failures()) / float64(len(w.Samples))
}

// Last returns the newest n samples, or all of them when fewer exist.
func (w Window) Last(n int) []Sample {
	if n >= len(w.Samples) {
		return w.Samples
	}
	return w.Samples[len(w.Samples)-n:]
}

// Sustained reports whether the newest n samples exist, none failed and their
// mean reward is at least floor.
func (w Window) Sustained(n int, floor float64) (bool, float64) {
	if n <= 0 || len(w.Samples) < n {
		return false, 0
	}
	var sum float64
	for _, s := range w.Last(n) {
		if s.Failed {
			return false, 0
		}
		sum += s.Reward
	}
	mean := sum / float64(n)
	return mean >= floor, mean
}
