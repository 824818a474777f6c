package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/voicefront/voicefront/internal/observe"
	"github.com/voicefront/voicefront/pkg/audio"
	"github.com/voicefront/voicefront/pkg/realtime"
)

// Upstream event types the router dispatches on. Anything else is forwarded
// downstream unchanged.
const (
	evtSessionCreated      = "session.created"
	evtAudioDelta          = "response.audio.delta"
	evtAudioDone           = "response.audio.done"
	evtUserTranscript      = "conversation.item.input_audio_transcription.completed"
	evtAssistantTranscript = "response.audio_transcript.delta"
	evtAssistantDone       = "response.audio_transcript.done"
	evtError               = "error"
)

// Router relays envelopes between one downstream transport and one upstream
// session. Inbound envelopes from both sides are dispatched by a single
// goroutine in per-source arrival order; audio deltas flow through the
// playback queue so the caller hears frames gapless and in order.
type Router struct {
	session *Session
	down    Transport
	up      *realtime.Session

	queue       *audio.Playback
	transcripts *Aggregator

	log     *slog.Logger
	metrics *observe.Metrics

	speaking bool
}

// NewRouter wires a downstream transport to an established upstream session.
func NewRouter(sess *Session, down Transport, up *realtime.Session, log *slog.Logger, metrics *observe.Metrics) *Router {
	r := &Router{
		session:     sess,
		down:        down,
		up:          up,
		transcripts: NewAggregator(),
		log:         sess.Logger(log),
		metrics:     metrics,
	}
	r.queue = audio.NewPlayback(func(ctx context.Context, frame audio.Frame) error {
		return down.WriteAudio(ctx, base64.StdEncoding.EncodeToString(frame.Data))
	})
	return r
}

// Run relays until either side closes, then tears both sides down: sockets
// closed, playback queue cleared, in-flight transcript buffers discarded.
// A clean hang-up from either side returns nil.
func (r *Router) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer r.teardown()

	inbound := make(chan Inbound, 16)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(inbound)
		return r.readDownstream(ctx, inbound)
	})
	g.Go(func() error {
		defer cancel()
		return r.dispatch(ctx, inbound)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// readDownstream pumps downstream envelopes into the dispatch channel. A
// clean peer close ends the loop without error; the closed channel tells the
// dispatcher to cascade.
func (r *Router) readDownstream(ctx context.Context, inbound chan<- Inbound) error {
	for {
		env, err := r.down.ReadEnvelope(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			r.log.Warn("downstream read failed", "error", err)
			return fmt.Errorf("bridge: downstream read: %w", err)
		}
		select {
		case inbound <- env:
		case <-ctx.Done():
			return nil
		}
	}
}

// dispatch is the single consumer of both directions.
func (r *Router) dispatch(ctx context.Context, inbound <-chan Inbound) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case env, ok := <-inbound:
			if !ok {
				r.log.Info("downstream closed, cascading to upstream")
				return nil
			}
			if done, err := r.handleDownstream(ctx, env); done || err != nil {
				return err
			}

		case evt, ok := <-r.up.Events():
			if !ok {
				if err := r.up.Err(); err != nil {
					r.log.Warn("upstream connection lost", "error", err)
					r.writeError(ctx, "upstream connection lost")
					return fmt.Errorf("bridge: upstream: %w", err)
				}
				r.log.Info("upstream closed, cascading to downstream")
				return nil
			}
			if err := r.handleUpstream(ctx, evt); err != nil {
				return err
			}
		}
	}
}

// handleDownstream routes one caller envelope. done=true ends the session.
func (r *Router) handleDownstream(ctx context.Context, env Inbound) (bool, error) {
	r.countEnvelope(ctx, "downstream", env)

	switch env.Kind {
	case InboundStop:
		r.log.Info("caller ended the call")
		return true, nil
	case InboundAudio:
		if err := r.up.AppendAudio(env.Audio); err != nil {
			return true, fmt.Errorf("bridge: forward audio: %w", err)
		}
	case InboundRaw:
		if err := r.up.SendRaw(env.Raw); err != nil {
			return true, fmt.Errorf("bridge: forward envelope: %w", err)
		}
	}
	return false, nil
}

// handleUpstream routes one engine event.
func (r *Router) handleUpstream(ctx context.Context, evt realtime.ServerEvent) error {
	r.countEnvelope(ctx, "upstream", evt)

	switch evt.Type {
	case evtSessionCreated:
		// Handshake is handled inside the upstream session.
		r.log.Debug("upstream session ready")

	case evtAudioDelta:
		data, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil {
			r.log.Warn("undecodable audio delta dropped", "error", err)
			return nil
		}
		frame, err := audio.DecodeFromUpstream(data, r.down.Kind().Mulaw())
		if err != nil {
			return fmt.Errorf("bridge: decode audio delta: %w", err)
		}
		r.queue.Enqueue(frame)
		if !r.speaking {
			r.speaking = true
			if err := r.down.WriteSpeaking(ctx, true); err != nil {
				return fmt.Errorf("bridge: speaking signal: %w", err)
			}
		}

	case evtAudioDone:
		if r.speaking {
			r.speaking = false
			if err := r.down.WriteSpeaking(ctx, false); err != nil {
				return fmt.Errorf("bridge: speaking signal: %w", err)
			}
		}

	case evtUserTranscript:
		r.transcripts.Append(RoleUser, evt.Transcript)
		return r.emitUtterance(ctx, RoleUser)

	case evtAssistantTranscript:
		r.transcripts.Append(RoleAssistant, evt.Delta)

	case evtAssistantDone:
		return r.emitUtterance(ctx, RoleAssistant)

	case evtError:
		msg := "upstream error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		r.log.Warn("upstream reported an error", "message", msg)
		if r.metrics != nil {
			r.metrics.UpstreamErrors.Add(ctx, 1)
		}
		// The engine may keep operating; only a socket close ends the call.
		r.writeError(ctx, msg)

	default:
		if err := r.down.WriteRaw(ctx, evt.Raw); err != nil {
			return fmt.Errorf("bridge: forward envelope: %w", err)
		}
	}
	return nil
}

// emitUtterance finalizes the role's buffer and delivers it downstream as a
// discrete message. An empty buffer emits nothing.
func (r *Router) emitUtterance(ctx context.Context, role Role) error {
	u, ok := r.transcripts.Finalize(role)
	if !ok {
		return nil
	}
	if err := r.down.WriteUtterance(ctx, u); err != nil {
		return fmt.Errorf("bridge: deliver utterance: %w", err)
	}
	return nil
}

// writeError surfaces an error to the caller on a best-effort basis.
func (r *Router) writeError(ctx context.Context, msg string) {
	if err := r.down.WriteError(ctx, msg); err != nil {
		r.log.Debug("error delivery failed", "error", err)
	}
}

func (r *Router) countEnvelope(ctx context.Context, direction string, env any) {
	if r.metrics == nil {
		return
	}
	typ := "unknown"
	switch e := env.(type) {
	case Inbound:
		switch e.Kind {
		case InboundAudio:
			typ = "audio"
		case InboundStop:
			typ = "stop"
		case InboundRaw:
			typ = "raw"
		}
	case realtime.ServerEvent:
		typ = e.Type
	}
	r.metrics.EnvelopesRelayed.Add(ctx, 1, metric.WithAttributes(
		observe.Attr("direction", direction),
		observe.Attr("type", typ),
	))
}

// teardown releases everything the session owns. Clear interrupts any frame
// mid-playback so no audio survives the session.
func (r *Router) teardown() {
	r.queue.Clear()
	_ = r.queue.Close()
	if r.transcripts.Pending() {
		r.log.Debug("discarding partial transcript turn")
	}
	r.transcripts.Discard()
	_ = r.up.Close()
	_ = r.down.Close()
	r.log.Info("session released")
}
