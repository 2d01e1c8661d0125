// Package bridge turns one websocket client into the microphone and speaker of
// a live session. The client announces its microphone outcome in client_hello,
// streams PCM16 chunks, and receives playback_chunk frames positioned on the
// sink clock.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/live"
	"github.com/antoniostano/teleagent/internal/protocol"
)

const (
	DefaultHelloTimeout = 10 * time.Second
	streamBuffer        = 64
)

var (
	ErrOutboundFull = errors.New("bridge outbound queue full")
	ErrClosed       = errors.New("bridge closed")
	errHelloTimeout = errors.New("client never reported microphone status")
)

// Emitter queues a server frame for the client. It returns false when the
// frame was dropped.
type Emitter func(msg any) bool

type Option func(*Bridge)

func WithHelloTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		if d > 0 {
			b.helloTimeout = d
		}
	}
}

// WithClock replaces the monotonic sink clock. Used by tests.
func WithClock(now func() time.Duration) Option {
	return func(b *Bridge) { b.clock = now }
}

// Bridge implements live.CaptureDevice and live.OutputDevice.
type Bridge struct {
	callID       string
	emit         Emitter
	helloTimeout time.Duration
	clock        func() time.Duration

	helloOnce sync.Once
	hello     chan protocol.ClientHello
	gone      chan struct{}
	goneOnce  sync.Once

	mu     sync.Mutex
	stream *stream
}

func New(callID string, emit Emitter, opts ...Option) *Bridge {
	b := &Bridge{
		callID:       callID,
		emit:         emit,
		helloTimeout: DefaultHelloTimeout,
		hello:        make(chan protocol.ClientHello, 1),
		gone:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.clock == nil {
		epoch := time.Now()
		b.clock = func() time.Duration { return time.Since(epoch) }
	}
	return b
}

// HandleClient routes a parsed client frame. Control frames are left to the
// caller.
func (b *Bridge) HandleClient(msg any) error {
	switch m := msg.(type) {
	case protocol.ClientHello:
		b.helloOnce.Do(func() { b.hello <- m })
		return nil
	case protocol.ClientAudioChunk:
		b.mu.Lock()
		st := b.stream
		b.mu.Unlock()
		if st == nil {
			return nil
		}
		buf, err := audio.DecodeBase64(m.PCM16Base64, m.SampleRate)
		if err != nil {
			return err
		}
		samples := buf.Samples
		if m.SampleRate != st.rate {
			samples = audio.Resample(samples, m.SampleRate, st.rate)
		}
		st.push(samples)
		return nil
	default:
		return nil
	}
}

// Disconnect marks the client as gone. A pending Acquire fails and an open
// capture stream ends.
func (b *Bridge) Disconnect() {
	b.goneOnce.Do(func() { close(b.gone) })
	b.mu.Lock()
	st := b.stream
	b.mu.Unlock()
	if st != nil {
		st.end()
	}
}

// Dropped reports captured chunks dropped because the session fell behind.
func (b *Bridge) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stream == nil {
		return 0
	}
	return b.stream.droppedCount()
}

// Acquire waits for client_hello and maps the reported microphone outcome.
func (b *Bridge) Acquire(ctx context.Context) (live.CaptureStream, error) {
	timer := time.NewTimer(b.helloTimeout)
	defer timer.Stop()

	var hello protocol.ClientHello
	select {
	case hello = <-b.hello:
	case <-b.gone:
		return nil, live.NewCaptureError(live.NoDevice, ErrClosed)
	case <-timer.C:
		return nil, live.NewCaptureError(live.Unsupported, errHelloTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var detail error
	if hello.Detail != "" {
		detail = errors.New(hello.Detail)
	}
	switch hello.MicStatus {
	case protocol.MicGranted:
	case protocol.MicDenied:
		return nil, live.NewCaptureError(live.PermissionDenied, detail)
	case protocol.MicNotFound:
		return nil, live.NewCaptureError(live.NoDevice, detail)
	case protocol.MicBusy:
		return nil, live.NewCaptureError(live.DeviceBusy, detail)
	default:
		return nil, live.NewCaptureError(live.Unsupported, detail)
	}

	st := &stream{rate: hello.SampleRate, samples: make(chan []float32, streamBuffer)}
	b.mu.Lock()
	b.stream = st
	b.mu.Unlock()
	select {
	case <-b.gone:
		st.end()
	default:
	}
	return st, nil
}

func (b *Bridge) CreateSink(context.Context) (live.Sink, error) {
	select {
	case <-b.gone:
		return nil, ErrClosed
	default:
	}
	return &sink{bridge: b}, nil
}

type stream struct {
	rate    int
	samples chan []float32

	mu      sync.Mutex
	closed  bool
	dropped int
}

func (s *stream) SampleRate() int           { return s.rate }
func (s *stream) Samples() <-chan []float32 { return s.samples }

func (s *stream) push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.samples <- samples:
	default:
		s.dropped++
	}
}

func (s *stream) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.samples)
	}
}

func (s *stream) droppedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *stream) Release() error {
	s.end()
	return nil
}

// sink forwards scheduled buffers to the client. Now is the bridge's monotonic
// clock; the client plays each chunk at start_ms relative to its first chunk.
type sink struct {
	bridge *Bridge

	mu     sync.Mutex
	seq    int
	closed bool
}

func (s *sink) Now() time.Duration { return s.bridge.clock() }

func (s *sink) ScheduleBuffer(buf audio.Buffer, start time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.seq++
	chunk := protocol.PlaybackChunk{
		Type:        protocol.TypePlaybackChunk,
		CallID:      s.bridge.callID,
		Seq:         s.seq,
		StartMS:     start.Milliseconds(),
		DurationMS:  buf.Duration().Milliseconds(),
		SampleRate:  buf.SampleRate,
		PCM16Base64: audio.EncodeBase64(buf.Samples),
	}
	if !s.bridge.emit(chunk) {
		s.seq--
		return fmt.Errorf("%w: playback chunk %d", ErrOutboundFull, s.seq+1)
	}
	return nil
}

func (s *sink) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
