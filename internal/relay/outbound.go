package relay

import (
	"context"
	"errors"
	"sync"
)

var ErrQueueClosed = errors.New("relay: outbound queue closed")

// Outbound is the per-connection FIFO of serialized frames waiting for the
// send loop. Push blocks while the queue is full. Close never closes the
// frame channel, so a late Push reports ErrQueueClosed instead of panicking.
type Outbound struct {
	frames chan []byte
	done   chan struct{}
	once   sync.Once
}

func NewOutbound(size int) *Outbound {
	if size <= 0 {
		size = 1
	}
	return &Outbound{
		frames: make(chan []byte, size),
		done:   make(chan struct{}),
	}
}

func (q *Outbound) Push(ctx context.Context, frame []byte) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	select {
	case q.frames <- frame:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Outbound) Frames() <-chan []byte { return q.frames }

// Done is closed once no more frames will be accepted.
func (q *Outbound) Done() <-chan struct{} { return q.done }

func (q *Outbound) Close() {
	q.once.Do(func() { close(q.done) })
}

func (q *Outbound) Len() int { return len(q.frames) }
