package live

import (
	"context"
	"sync/atomic"

	"github.com/antoniostano/teleagent/internal/audio"
)

// AudioSender decouples capture from the network. Send never blocks; Run pumps
// accepted packets to the transport until ctx is done or a send fails.
type AudioSender interface {
	Send(pkt audio.Packet) bool
	Run(ctx context.Context, t Transport) error
}

const DefaultSendQueue = 32

// QueueSender is a fire-and-forget AudioSender backed by a bounded queue. When
// the queue is full the newest packet is dropped.
type QueueSender struct {
	queue   chan audio.Packet
	dropped atomic.Int64
}

func NewQueueSender(size int) *QueueSender {
	if size <= 0 {
		size = DefaultSendQueue
	}
	return &QueueSender{queue: make(chan audio.Packet, size)}
}

func (q *QueueSender) Send(pkt audio.Packet) bool {
	select {
	case q.queue <- pkt:
		return true
	default:
		q.dropped.Add(1)
		return false
	}
}

func (q *QueueSender) Dropped() int64 { return q.dropped.Load() }

func (q *QueueSender) Run(ctx context.Context, t Transport) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case pkt := <-q.queue:
			if err := t.SendAudio(ctx, pkt); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
	}
}
