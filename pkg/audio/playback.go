package audio

import (
	"context"
	"sync"
)

// Sink receives one frame for playback. It must not return until the frame
// has been fully delivered (played, or written to the downstream wire). The
// context is cancelled when the queue is cleared or closed mid-frame.
type Sink func(ctx context.Context, frame Frame) error

// Playback is a strict-FIFO, single-consumer playback queue. Frames enqueued
// while another frame is in flight are buffered and delivered one at a time:
// the next frame is dispatched only after the sink returns for the previous
// one, so no two frames ever overlap. Clear empties the queue and interrupts
// the in-flight frame immediately.
//
// All exported methods are safe for concurrent use.
type Playback struct {
	sink Sink

	mu            sync.Mutex
	pending       []Frame
	playing       bool
	cancelCurrent context.CancelFunc
	err           error
	closed        bool

	notify chan struct{}
	done   chan struct{}
	idle   sync.WaitGroup
}

// NewPlayback creates a queue delivering frames to sink and starts its
// consumer goroutine. sink must not be nil. Call Close to release it.
func NewPlayback(sink Sink) *Playback {
	p := &Playback{
		sink:   sink,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	p.idle.Add(1)
	go p.consume()
	return p
}

// Enqueue appends frame for playback. Frames play in exact arrival order.
// Enqueue after Close is a no-op.
func (p *Playback) Enqueue(frame Frame) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.pending = append(p.pending, frame)
	p.wakeLocked()
}

// Clear atomically empties the queue and halts any in-progress playback by
// cancelling the sink's context. A subsequent Enqueue starts fresh.
func (p *Playback) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pending = nil
	if p.cancelCurrent != nil {
		p.cancelCurrent()
	}
}

// Playing reports whether a frame is currently in flight at the sink.
func (p *Playback) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Len returns the number of frames waiting behind the one in flight.
func (p *Playback) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Err returns the first sink error, if any. A sink error stops the consumer;
// the owning session is expected to tear down shortly after.
func (p *Playback) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Close clears the queue, stops the consumer goroutine, and waits for it to
// exit. Idempotent.
func (p *Playback) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.pending = nil
	if p.cancelCurrent != nil {
		p.cancelCurrent()
	}
	close(p.done)
	p.mu.Unlock()

	p.idle.Wait()
	return nil
}

// wakeLocked signals the consumer without blocking. Must be called with p.mu
// held.
func (p *Playback) wakeLocked() {
	select {
	case p.notify <- struct{}{}:
	default:
	}
}

// consume is the single consumer goroutine. It pops frames strictly in FIFO
// order and plays each to completion before touching the next.
func (p *Playback) consume() {
	defer p.idle.Done()

	for {
		select {
		case <-p.done:
			return
		case <-p.notify:
		}

		for {
			p.mu.Lock()
			if p.closed || len(p.pending) == 0 {
				p.mu.Unlock()
				break
			}
			frame := p.pending[0]
			p.pending = p.pending[1:]

			ctx, cancel := context.WithCancel(context.Background())
			p.cancelCurrent = cancel
			p.playing = true
			p.mu.Unlock()

			err := p.sink(ctx, frame)

			p.mu.Lock()
			p.playing = false
			p.cancelCurrent = nil
			cancel()
			// A cancelled sink is a Clear, not a failure.
			if err != nil && ctx.Err() == nil && p.err == nil {
				p.err = err
				p.closed = true
				p.pending = nil
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		}
	}
}
