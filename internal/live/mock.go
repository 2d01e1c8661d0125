package live

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/tools"
)

var errMockClosed = errors.New("mock transport closed")

// MockDialer is an in-process stand-in for the live model, used when no model
// provider is configured and in tests. Each dial greets the caller with a
// transcript and a short tone, then replays Script.
type MockDialer struct {
	Greeting string
	Script   []InboundMessage
	Err      error

	mu         sync.Mutex
	transports []*MockTransport
	params     []SessionParameters
}

func NewMockDialer() *MockDialer {
	return &MockDialer{Greeting: "Buongiorno, sono l'assistente dello studio. Come posso aiutarla?"}
}

func (d *MockDialer) Dial(_ context.Context, params SessionParameters) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = append(d.params, params)
	if d.Err != nil {
		return nil, d.Err
	}
	t := NewMockTransport()
	if d.Greeting != "" {
		t.Push(Transcript{Role: RoleAgent, Text: d.Greeting})
		t.Push(AudioPayload{Data: audio.EncodePCM16(tone(440, 200*time.Millisecond)), MIMEType: audio.PCMMIMEType(audio.WireOutputRate)})
	}
	for _, msg := range d.Script {
		t.Push(msg)
	}
	d.transports = append(d.transports, t)
	return t, nil
}

// Last returns the most recently dialed transport, or nil.
func (d *MockDialer) Last() *MockTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.transports) == 0 {
		return nil
	}
	return d.transports[len(d.transports)-1]
}

func (d *MockDialer) Params() []SessionParameters {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]SessionParameters(nil), d.params...)
}

func tone(freq float64, d time.Duration) []float32 {
	n := int(d * audio.WireOutputRate / time.Second)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.2 * math.Sin(2*math.Pi*freq*float64(i)/audio.WireOutputRate))
	}
	return out
}

// MockTransport records everything sent to it and lets callers inject inbound
// messages.
type MockTransport struct {
	SendErr  error
	CloseErr error

	mu        sync.Mutex
	inbound   chan InboundMessage
	closed    bool
	closes    int
	audio     []audio.Packet
	responses []tools.Response
}

func NewMockTransport() *MockTransport {
	return &MockTransport{inbound: make(chan InboundMessage, 256)}
}

func (t *MockTransport) Inbound() <-chan InboundMessage { return t.inbound }

// Push delivers msg on the inbound feed. It is dropped once the transport is
// closed.
func (t *MockTransport) Push(msg InboundMessage) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.inbound <- msg
}

func (t *MockTransport) SendAudio(_ context.Context, pkt audio.Packet) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errMockClosed
	}
	if t.SendErr != nil {
		return t.SendErr
	}
	t.audio = append(t.audio, pkt)
	return nil
}

func (t *MockTransport) SendToolResponses(_ context.Context, responses []tools.Response) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return errMockClosed
	}
	t.responses = append(t.responses, responses...)
	return nil
}

func (t *MockTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closes++
	if t.closed {
		return nil
	}
	t.closed = true
	close(t.inbound)
	return t.CloseErr
}

func (t *MockTransport) SentAudio() []audio.Packet {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.Packet(nil), t.audio...)
}

func (t *MockTransport) Responses() []tools.Response {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]tools.Response(nil), t.responses...)
}

func (t *MockTransport) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// MockCaptureDevice hands out a MockStream, or fails with Err.
type MockCaptureDevice struct {
	Rate int
	Err  error

	mu     sync.Mutex
	stream *MockStream
}

func (d *MockCaptureDevice) Acquire(context.Context) (CaptureStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	rate := d.Rate
	if rate <= 0 {
		rate = 48000
	}
	d.stream = &MockStream{rate: rate, samples: make(chan []float32, 64)}
	return d.stream, nil
}

func (d *MockCaptureDevice) Stream() *MockStream {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stream
}

type MockStream struct {
	ReleaseErr error

	rate     int
	samples  chan []float32
	mu       sync.Mutex
	released int
	ended    bool
}

func (s *MockStream) SampleRate() int           { return s.rate }
func (s *MockStream) Samples() <-chan []float32 { return s.samples }

// Push feeds captured samples into the stream.
func (s *MockStream) Push(samples []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.samples <- samples
}

// End closes the sample feed as a device unplug would.
func (s *MockStream) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.ended = true
		close(s.samples)
	}
}

func (s *MockStream) Release() error {
	s.mu.Lock()
	s.released++
	s.mu.Unlock()
	return s.ReleaseErr
}

func (s *MockStream) Released() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

type MockOutputDevice struct {
	Err error

	mu   sync.Mutex
	sink *MockSink
}

func (d *MockOutputDevice) CreateSink(context.Context) (Sink, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.Err != nil {
		return nil, d.Err
	}
	d.sink = &MockSink{}
	return d.sink, nil
}

func (d *MockOutputDevice) Sink() *MockSink {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sink
}

// ScheduledBuffer is one buffer accepted by a MockSink.
type ScheduledBuffer struct {
	Start  time.Duration
	Buffer audio.Buffer
}

// MockSink has a manually advanced clock.
type MockSink struct {
	mu        sync.Mutex
	now       time.Duration
	scheduled []ScheduledBuffer
	closed    int
}

func (s *MockSink) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

func (s *MockSink) Advance(d time.Duration) {
	s.mu.Lock()
	s.now += d
	s.mu.Unlock()
}

func (s *MockSink) ScheduleBuffer(buf audio.Buffer, start time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scheduled = append(s.scheduled, ScheduledBuffer{Start: start, Buffer: buf})
	return nil
}

func (s *MockSink) Close() error {
	s.mu.Lock()
	s.closed++
	s.mu.Unlock()
	return nil
}

func (s *MockSink) Scheduled() []ScheduledBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ScheduledBuffer(nil), s.scheduled...)
}

func (s *MockSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
