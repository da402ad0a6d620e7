package throttle

import "time"

// bucketsPerWindow is the resolution of a sliding window
const bucketsPerWindow = 60

type bucket struct {
	start time.Time
	count int
}

// Window counts events over a sliding time interval. It is not safe for
// concurrent use; Counters serializes access.
type Window struct {
	interval time.Duration
	width    time.Duration
	buckets  []bucket
	total    int
}

// NewWindow creates a window covering interval. A non-positive interval
// forgets events as soon as they are recorded.
func NewWindow(interval time.Duration) *Window {
	width := interval / bucketsPerWindow
	if width <= 0 {
		width = time.Nanosecond
	}
	return &Window{interval: interval, width: width}
}

// Add records n events at now
func (w *Window) Add(now time.Time, n int) {
	if n <= 0 {
		return
	}
	w.expire(now)
	start := now.Truncate(w.width)
	if last := len(w.buckets) - 1; last >= 0 && w.buckets[last].start.Equal(start) {
		w.buckets[last].count += n
	} else {
		w.buckets = append(w.buckets, bucket{start: start, count: n})
	}
	w.total += n
}

// Count returns the events recorded within the interval ending at now
func (w *Window) Count(now time.Time) int {
	w.expire(now)
	return w.total
}

// SetInterval changes the interval; recorded events are kept
func (w *Window) SetInterval(interval time.Duration) {
	w.interval = interval
}

func (w *Window) expire(now time.Time) {
	cutoff := now.Add(-w.interval)
	i := 0
	for ; i < len(w.buckets) && !w.buckets[i].start.After(cutoff); i++ {
		w.total -= w.buckets[i].count
	}
	if i > 0 {
		w.buckets = append(w.buckets[:0], w.buckets[i:]...)
	}
}
