package call

import "time"

// Accumulator buffers raw capture chunks and releases discrete frames when
// either threshold is met: accumulated bytes reach the size threshold, or the
// time since the last flush reaches the interval. The dual threshold keeps
// quiet audio producing timely frames while continuous speech never waits on
// a timer.
//
// Not safe for concurrent use; the controller owns it from one goroutine.
type Accumulator struct {
	sizeThreshold int
	interval      time.Duration
	now           func() time.Time

	buf       []byte
	lastFlush time.Time
}

// NewAccumulator creates an accumulator with the given thresholds. The clock
// defaults to [time.Now]; tests substitute their own via [WithClock].
func NewAccumulator(sizeThreshold int, interval time.Duration, opts ...AccumulatorOption) *Accumulator {
	a := &Accumulator{
		sizeThreshold: sizeThreshold,
		interval:      interval,
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	a.lastFlush = a.now()
	return a
}

// AccumulatorOption is a functional option for configuring an Accumulator.
type AccumulatorOption func(*Accumulator)

// WithClock overrides the time source. Used in tests to drive the time
// threshold deterministically.
func WithClock(now func() time.Time) AccumulatorOption {
	return func(a *Accumulator) { a.now = now }
}

// Append adds a capture chunk and returns the frames released by the size
// threshold, in order. A chunk that pushes the buffer past a multiple of the
// threshold releases multiple frames; the remainder stays pending.
func (a *Accumulator) Append(chunk []byte) [][]byte {
	a.buf = append(a.buf, chunk...)

	var frames [][]byte
	for len(a.buf) >= a.sizeThreshold {
		frame := make([]byte, a.sizeThreshold)
		copy(frame, a.buf[:a.sizeThreshold])
		a.buf = a.buf[a.sizeThreshold:]
		frames = append(frames, frame)
		a.lastFlush = a.now()
	}
	return frames
}

// FlushDue releases the pending bytes as one frame when the time threshold
// has elapsed since the last flush. Returns nil when nothing is pending or
// the interval has not passed. The controller calls this from its tick.
func (a *Accumulator) FlushDue(now time.Time) []byte {
	if len(a.buf) == 0 {
		return nil
	}
	if now.Sub(a.lastFlush) < a.interval {
		return nil
	}
	frame := make([]byte, len(a.buf))
	copy(frame, a.buf)
	a.buf = a.buf[:0]
	a.lastFlush = now
	return frame
}

// Pending returns the number of buffered bytes not yet released.
func (a *Accumulator) Pending() int { return len(a.buf) }

// Reset discards pending bytes and restarts the flush window.
func (a *Accumulator) Reset() {
	a.buf = a.buf[:0]
	a.lastFlush = a.now()
}
