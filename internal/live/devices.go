package live

import (
	"context"
	"time"

	"github.com/antoniostano/teleagent/internal/audio"
	"github.com/antoniostano/teleagent/internal/tools"
)

// CaptureDevice hands out a microphone stream. Acquire failures should be
// reported as *CaptureError.
type CaptureDevice interface {
	Acquire(ctx context.Context) (CaptureStream, error)
}

// CaptureStream delivers mono float samples at SampleRate. The channel is
// closed when the device stops producing.
type CaptureStream interface {
	SampleRate() int
	Samples() <-chan []float32
	Release() error
}

type OutputDevice interface {
	CreateSink(ctx context.Context) (Sink, error)
}

// Sink plays buffers at absolute positions on its own clock.
type Sink interface {
	Now() time.Duration
	ScheduleBuffer(buf audio.Buffer, start time.Duration) error
	Close() error
}

// Dialer opens the duplex connection to the conversational model. A nil error
// means the remote side accepted the session.
type Dialer interface {
	Dial(ctx context.Context, params SessionParameters) (Transport, error)
}

// Transport is an open duplex session. Inbound is closed when the connection
// ends.
type Transport interface {
	Inbound() <-chan InboundMessage
	SendAudio(ctx context.Context, pkt audio.Packet) error
	SendToolResponses(ctx context.Context, responses []tools.Response) error
	Close() error
}

// ToolHandler runs one tool call and always answers it.
type ToolHandler interface {
	Handle(ctx context.Context, call tools.Call) tools.Response
}

// FrameRecorder counts audio frames by direction (in|out) and outcome.
type FrameRecorder interface {
	ObserveAudioFrame(direction, outcome string)
}
