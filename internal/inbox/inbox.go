package inbox

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTimeout is returned by Send when the inbox stayed full for longer than
// the configured timeout.
var ErrTimeout = errors.New("inbox: send timeout")

// Inbox is a bounded typed queue between two pipeline stages. A full inbox
// blocks the sender, which is how a slow consumer throttles its producer.
type Inbox[T any] struct {
	name    string
	ch      chan T
	timeout time.Duration
	logger  *slog.Logger
	stats   *Stats

	closeOnce sync.Once
	depthMu   sync.Mutex
}

// Stats tracks inbox usage. Depth is sampled on every send, so the running
// min/max/sum stay bounded whatever the stream length.
type Stats struct {
	TotalSent     int64
	TotalReceived int64
	TimeoutCount  int64
	MinDepthSeen  int
	MaxDepthSeen  int
	DepthSum      int64
	DepthSamples  int64
}

// AvgDepth returns the mean sampled depth
func (s Stats) AvgDepth() float64 {
	if s.DepthSamples == 0 {
		return 0
	}
	return float64(s.DepthSum) / float64(s.DepthSamples)
}

// New creates an inbox holding at most bufferSize messages. A zero timeout
// makes Send wait for as long as its context allows.
func New[T any](name string, bufferSize int, timeout time.Duration, logger *slog.Logger) *Inbox[T] {
	return &Inbox[T]{
		name:    name,
		ch:      make(chan T, bufferSize),
		timeout: timeout,
		logger:  logger,
		stats:   &Stats{MinDepthSeen: -1},
	}
}

// Name returns the inbox name used in logs and stats
func (ib *Inbox[T]) Name() string {
	return ib.name
}

// Send enqueues msg, blocking while the inbox is full. It fails with the
// context error when ctx ends first, or ErrTimeout when the timeout elapses.
func (ib *Inbox[T]) Send(ctx context.Context, msg T) error {
	ib.sampleDepth()

	// fast path, no timer allocation
	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return nil
	default:
	}

	var expired <-chan time.Time
	if ib.timeout > 0 {
		timer := time.NewTimer(ib.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case ib.ch <- msg:
		atomic.AddInt64(&ib.stats.TotalSent, 1)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-expired:
		atomic.AddInt64(&ib.stats.TimeoutCount, 1)
		ib.logger.Warn("inbox send timeout",
			"inbox", ib.name,
			"timeout", ib.timeout,
			"current_depth", len(ib.ch))
		return ErrTimeout
	}
}

// Receive blocks until a message is available. ok is false once the inbox is
// closed and drained.
func (ib *Inbox[T]) Receive(ctx context.Context) (msg T, ok bool, err error) {
	select {
	case msg, ok = <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// TryReceive attempts to receive a message without blocking
func (ib *Inbox[T]) TryReceive() (T, bool) {
	select {
	case msg, ok := <-ib.ch:
		if ok {
			atomic.AddInt64(&ib.stats.TotalReceived, 1)
		}
		return msg, ok
	default:
		var zero T
		return zero, false
	}
}

func (ib *Inbox[T]) sampleDepth() {
	depth := len(ib.ch)

	ib.depthMu.Lock()
	defer ib.depthMu.Unlock()

	if ib.stats.MinDepthSeen < 0 || depth < ib.stats.MinDepthSeen {
		ib.stats.MinDepthSeen = depth
	}
	if depth > ib.stats.MaxDepthSeen {
		ib.stats.MaxDepthSeen = depth
	}
	ib.stats.DepthSum += int64(depth)
	ib.stats.DepthSamples++
}

// GetStats returns a copy of the current inbox statistics
func (ib *Inbox[T]) GetStats() Stats {
	ib.depthMu.Lock()
	s := Stats{
		MinDepthSeen: ib.stats.MinDepthSeen,
		MaxDepthSeen: ib.stats.MaxDepthSeen,
		DepthSum:     ib.stats.DepthSum,
		DepthSamples: ib.stats.DepthSamples,
	}
	ib.depthMu.Unlock()

	if s.MinDepthSeen < 0 {
		s.MinDepthSeen = 0
	}
	s.TotalSent = atomic.LoadInt64(&ib.stats.TotalSent)
	s.TotalReceived = atomic.LoadInt64(&ib.stats.TotalReceived)
	s.TimeoutCount = atomic.LoadInt64(&ib.stats.TimeoutCount)
	return s
}

// Len returns the current number of messages in the inbox
func (ib *Inbox[T]) Len() int {
	return len(ib.ch)
}

// Cap returns the inbox capacity
func (ib *Inbox[T]) Cap() int {
	return cap(ib.ch)
}

// Close marks the end of the stream. Receivers drain what is left. Calling
// Close more than once is safe; sending after Close panics.
func (ib *Inbox[T]) Close() {
	ib.closeOnce.Do(func() {
		close(ib.ch)
	})
}
