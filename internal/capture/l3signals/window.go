package l3signals

import "github.com/smileidentity/captureflow/internal/capture/l2metrics"

// ReadingWindow is a fixed-capacity FIFO of readings. Adding to a full
// window evicts the oldest reading.
type ReadingWindow struct {
	readings []l2metrics.QualityReading
	capacity int
	head     int // next write position
	size     int
}

// NewReadingWindow creates a window holding at most capacity readings.
func NewReadingWindow(capacity int) *ReadingWindow {
	if capacity < 1 {
		capacity = 1
	}
	return &ReadingWindow{
		readings: make([]l2metrics.QualityReading, capacity),
		capacity: capacity,
	}
}

// Add appends a reading, overwriting the oldest if at capacity.
func (w *ReadingWindow) Add(r l2metrics.QualityReading) {
	w.readings[w.head] = r
	w.head = (w.head + 1) % w.capacity
	if w.size < w.capacity {
		w.size++
	}
}

// Previous returns the reading n steps back from the newest.
// Previous(1) is the newest reading.
func (w *ReadingWindow) Previous(n int) (l2metrics.QualityReading, bool) {
	if n < 1 || n > w.size {
		return l2metrics.QualityReading{}, false
	}
	return w.readings[(w.head-n+w.capacity)%w.capacity], true
}

// Newest returns the most recently added reading.
func (w *ReadingWindow) Newest() (l2metrics.QualityReading, bool) {
	return w.Previous(1)
}

// Len returns the number of readings held.
func (w *ReadingWindow) Len() int { return w.size }

// Capacity returns the maximum number of readings held.
func (w *ReadingWindow) Capacity() int { return w.capacity }

// Clear empties the window.
func (w *ReadingWindow) Clear() {
	for i := range w.readings {
		w.readings[i] = l2metrics.QualityReading{}
	}
	w.head = 0
	w.size = 0
}

// All returns the readings from oldest to newest.
func (w *ReadingWindow) All() []l2metrics.QualityReading {
	if w.size == 0 {
		return nil
	}
	out := make([]l2metrics.QualityReading, w.size)
	for i := 0; i < w.size; i++ {
		out[i] = w.readings[(w.head-w.size+i+w.capacity)%w.capacity]
	}
	return out
}

// Recent returns up to n of the newest readings, oldest first.
func (w *ReadingWindow) Recent(n int) []l2metrics.QualityReading {
	all := w.All()
	if n < len(all) {
		return all[len(all)-n:]
	}
	return all
}
