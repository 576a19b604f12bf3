package telephony

import (
	"context"
	"sync"
	"sync/atomic"
)

// Codec 电话媒体编码。
type Codec int

const (
	CodecPCMU Codec = iota
	CodecPCMA
)

// Frame is one inbound media packet, normally 20 ms of 8 kHz G.711.
type Frame struct {
	Codec   Codec
	Payload []byte
}

// FrameQueue 有界帧队列：接收路径只入队，溢出时丢弃最旧的帧，
// 处理协程出队。
type FrameQueue struct {
	mu     sync.Mutex
	buf    []Frame
	head   int
	n      int
	closed bool
	ready  chan struct{}

	dropped atomic.Int64
}

// NewFrameQueue creates a queue holding at most capacity frames.
func NewFrameQueue(capacity int) *FrameQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &FrameQueue{buf: make([]Frame, capacity), ready: make(chan struct{}, 1)}
}

// Push enqueues f without blocking. It reports whether an older frame was
// dropped to make room. Pushing to a closed queue is a no-op.
func (q *FrameQueue) Push(f Frame) (dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if q.n == len(q.buf) {
		q.buf[q.head] = Frame{}
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		dropped = true
		q.dropped.Add(1)
	}
	q.buf[(q.head+q.n)%len(q.buf)] = f
	q.n++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return dropped
}

// Pop waits for the next frame. ok is false once the queue is closed or ctx ends.
func (q *FrameQueue) Pop(ctx context.Context) (Frame, bool) {
	for {
		q.mu.Lock()
		if q.n > 0 {
			f := q.buf[q.head]
			q.buf[q.head] = Frame{}
			q.head = (q.head + 1) % len(q.buf)
			q.n--
			q.mu.Unlock()
			return f, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Frame{}, false
		}

		select {
		case <-q.ready:
		case <-ctx.Done():
			return Frame{}, false
		}
	}
}

// Close discards buffered frames and wakes any waiting Pop.
func (q *FrameQueue) Close() {
	q.mu.Lock()
	q.closed = true
	for i := range q.buf {
		q.buf[i] = Frame{}
	}
	q.n = 0
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Len 当前排队的帧数。
func (q *FrameQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

// Dropped 因溢出丢弃的帧总数。
func (q *FrameQueue) Dropped() int64 {
	return q.dropped.Load()
}
