// Package playback sequences decoded audio buffers onto an output clock so that
// consecutive buffers play back to back with no gap and no overlap.
package playback

import (
	"errors"
	"sync"
	"time"

	"github.com/antoniostano/teleagent/internal/audio"
)

// ErrClosed is returned by Schedule after Close.
var ErrClosed = errors.New("playback scheduler closed")

// Output accepts a buffer for playback starting at start on the output clock.
type Output interface {
	ScheduleBuffer(buf audio.Buffer, start time.Duration) error
}

// Scheduler owns the playback cursor: the earliest output-clock time at which the
// next buffer may start. The cursor only ever moves forward.
type Scheduler struct {
	mu         sync.Mutex
	out        Output
	cursor     time.Duration
	scheduled  int
	closed     bool
	onActivity func(busy bool)
	busy       bool
	edges      uint64

	// notifyMu serialises activity callbacks. Fields below it are guarded by it.
	notifyMu      sync.Mutex
	deliveredEdge uint64
	deliveredBusy bool
}

func NewScheduler(out Output) *Scheduler {
	return &Scheduler{out: out}
}

// OnActivity registers a callback fired when the scheduler goes from idle to busy
// or back, as observed by Schedule, Busy and Close. Callbacks run one at a time
// outside the scheduler lock and always alternate between true and false. An edge
// overtaken by a newer one is dropped, so the last value delivered is the current
// state. fn must not call back into the Scheduler.
func (s *Scheduler) OnActivity(fn func(busy bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onActivity = fn
}

// Schedule commits buf to start at max(cursor, now) and advances the cursor by the
// buffer's duration. If the output rejects the buffer the cursor is unchanged.
func (s *Scheduler) Schedule(buf audio.Buffer, now time.Duration) (time.Duration, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, ErrClosed
	}
	start := s.cursor
	if now > start {
		start = now
	}
	if err := s.out.ScheduleBuffer(buf, start); err != nil {
		s.mu.Unlock()
		return 0, err
	}
	s.cursor = start + buf.Duration()
	s.scheduled++
	notify := s.setBusyLocked(s.cursor > now)
	s.mu.Unlock()

	if notify != nil {
		notify()
	}
	return start, nil
}

// Busy reports whether scheduled audio is still playing at now.
func (s *Scheduler) Busy(now time.Duration) bool {
	s.mu.Lock()
	busy := !s.closed && now < s.cursor
	notify := s.setBusyLocked(busy)
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
	return busy
}

// Cursor returns the current playback cursor.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Scheduled returns how many buffers have been committed.
func (s *Scheduler) Scheduled() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduled
}

// Close stops accepting buffers. Already committed buffers are left to the output.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	notify := s.setBusyLocked(false)
	s.mu.Unlock()
	if notify != nil {
		notify()
	}
}

func (s *Scheduler) setBusyLocked(busy bool) func() {
	if busy == s.busy {
		return nil
	}
	s.busy = busy
	s.edges++
	fn := s.onActivity
	if fn == nil {
		return nil
	}
	edge := s.edges
	return func() { s.deliver(fn, edge, busy) }
}

func (s *Scheduler) deliver(fn func(bool), edge uint64, busy bool) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if edge <= s.deliveredEdge {
		return
	}
	s.deliveredEdge = edge
	if busy == s.deliveredBusy {
		return
	}
	s.deliveredBusy = busy
	fn(busy)
}
