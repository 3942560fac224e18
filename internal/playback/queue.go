// Package playback plays inbound audio frames strictly one at a time, in
// arrival order.
//
// A [Queue] owns a single dispatch goroutine that decodes the head item,
// plays it to completion through an [audio.Player], and only then moves on.
// Items that fail to decode are logged and skipped; they never stall the
// queue. [Queue.Clear] drops everything pending and interrupts the item in
// flight.
package playback

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voicelink/internal/observe"
	"github.com/MrWong99/voicelink/pkg/audio"
	"github.com/MrWong99/voicelink/pkg/audio/codec"
)

// defaultQueueCap is the initial capacity hint for the pending slice.
const defaultQueueCap = 32

// Playback outcomes reported to metrics.
const (
	outcomePlayed    = "played"
	outcomeSkipped   = "skipped"
	outcomeCancelled = "cancelled"
	outcomeFailed    = "failed"
)

// Item is one queued frame.
type Item struct {
	Frame      audio.AudioFrame
	EnqueuedAt time.Time
}

// Option configures a [Queue] during construction.
type Option func(*Queue)

// WithMetrics overrides the metrics sink. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(q *Queue) { q.metrics = m }
}

// WithQueueCapacity sets the initial capacity hint for the pending items.
// The queue grows as needed.
func WithQueueCapacity(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.pending = make([]Item, 0, n)
		}
	}
}

// Queue is a FIFO of inbound frames with single-flight playback.
//
// Enqueue is called by the transport read loop and the dispatch goroutine is
// the only consumer. All exported methods are safe for concurrent use.
type Queue struct {
	player  audio.Player
	decoder codec.Decoder
	metrics *observe.Metrics

	ctx    context.Context // cancelled by Close
	cancel context.CancelFunc

	mu            sync.Mutex
	pending       []Item
	playing       bool
	cancelPlaying context.CancelFunc
	closed        bool

	notify chan struct{} // signalled on Enqueue
	done   chan struct{} // closed when the dispatch goroutine exits
}

// New creates a [Queue] that decodes with decoder and renders with player.
// The dispatch goroutine starts immediately; call [Queue.Close] to stop it.
func New(player audio.Player, decoder codec.Decoder, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		player:  player,
		decoder: decoder,
		ctx:     ctx,
		cancel:  cancel,
		pending: make([]Item, 0, defaultQueueCap),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	if q.metrics == nil {
		q.metrics = observe.DefaultMetrics()
	}
	go q.dispatch()
	return q
}

// Enqueue appends frame to the queue. If nothing is playing, playback of the
// head item begins immediately. Enqueue after Close is a no-op.
func (q *Queue) Enqueue(frame audio.AudioFrame) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.pending = append(q.pending, Item{Frame: frame, EnqueuedAt: time.Now()})

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Clear discards all pending items and stops the item currently playing.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := len(q.pending)
	clear(q.pending)
	q.pending = q.pending[:0]
	if q.cancelPlaying != nil {
		q.cancelPlaying()
		q.cancelPlaying = nil
	}
	if dropped > 0 {
		slog.Debug("playback queue cleared", "dropped", dropped)
	}
}

// Len returns the number of items waiting behind the one in flight.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Playing reports whether an item is currently being decoded or played.
func (q *Queue) Playing() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

// Close stops the dispatch goroutine, interrupts current playback, and drops
// pending items. Close is idempotent.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.pending = nil
	q.mu.Unlock()

	q.cancel()
	<-q.done
	return nil
}

// dispatch pulls items from the queue one at a time until Close.
func (q *Queue) dispatch() {
	defer close(q.done)

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.notify:
		}

		for {
			item, ctx, ok := q.dequeue()
			if !ok {
				break
			}
			q.play(ctx, item)

			q.mu.Lock()
			q.playing = false
			if q.cancelPlaying != nil {
				q.cancelPlaying()
				q.cancelPlaying = nil
			}
			q.mu.Unlock()
		}
	}
}

// dequeue pops the head item and marks it as playing. Returns ok=false if the
// queue is empty or closed.
func (q *Queue) dequeue() (Item, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.pending) == 0 {
		return Item{}, nil, false
	}
	item := q.pending[0]
	q.pending[0] = Item{}
	q.pending = q.pending[1:]

	ctx, cancel := context.WithCancel(q.ctx)
	q.playing = true
	q.cancelPlaying = cancel
	return item, ctx, true
}

// play decodes and renders one item. Every failure is contained here.
func (q *Queue) play(ctx context.Context, item Item) {
	wait := time.Since(item.EnqueuedAt)

	frame, err := q.decoder.Decode(item.Frame)
	if err != nil {
		slog.Warn("skipping undecodable audio frame",
			"encoding", q.decoder.Encoding(),
			"bytes", len(item.Frame.Data),
			"err", err,
		)
		q.metrics.RecordDecodeError(ctx, string(q.decoder.Encoding()))
		q.metrics.RecordPlayback(ctx, outcomeSkipped, wait)
		return
	}
	if ctx.Err() != nil {
		q.metrics.RecordPlayback(context.Background(), outcomeCancelled, wait)
		return
	}

	err = q.player.Play(ctx, frame)
	switch {
	case ctx.Err() != nil || errors.Is(err, context.Canceled):
		q.metrics.RecordPlayback(context.Background(), outcomeCancelled, wait)
	case err != nil:
		slog.Warn("audio playback failed", "err", err, "duration", frame.Duration())
		q.metrics.RecordPlayback(ctx, outcomeFailed, wait)
	default:
		q.metrics.RecordPlayback(ctx, outcomePlayed, wait)
	}
}
