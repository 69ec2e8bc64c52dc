// Package track implements the ingress and egress video track halves
// (§4.4, §4.5 — C4, C5): a pull loop that feeds decoded remote frames
// into the frame processor, and a pacing loop that drains processed
// frames back out at the dynamically measured pipeline rate.
package track

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/pipeline"
)

// FrameSink is the subset of frameproc.Processor the ingress loop needs.
type FrameSink interface {
	Put(pipeline.Frame) bool
}

// RemoteVideoSource abstracts the inbound WebRTC video track. RTP
// receipt, depacketization, and decode to raw RGB are the concern of the
// WebRTC/codec collaborator (§1, §9 — codec selection is a non-goal);
// production wiring adapts a *webrtc.TrackRemote plus an injected decoder
// to this interface.
type RemoteVideoSource interface {
	ReceiveFrame(ctx context.Context) (pipeline.Frame, error)
}

// Ingress is a one-shot pull loop over a RemoteVideoSource (§4.4). It
// exits promptly on cancellation or on the first receive error, avoiding
// error spam on teardown.
type Ingress struct {
	log    zerolog.Logger
	source RemoteVideoSource
	sink   FrameSink

	mu       sync.Mutex
	cancel   context.CancelFunc
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewIngress binds a pull loop between source and sink. Start must be
// called to begin pulling.
func NewIngress(source RemoteVideoSource, sink FrameSink) *Ingress {
	return &Ingress{
		log:    log.With().Str("component", "track.ingress").Logger(),
		source: source,
		sink:   sink,
	}
}

// Start spawns the pull loop. Safe to call once; a second call is a
// no-op.
func (g *Ingress) Start(ctx context.Context) {
	g.mu.Lock()
	if g.cancel != nil {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	g.doneCh = make(chan struct{})
	g.mu.Unlock()

	go g.loop(ctx)
}

func (g *Ingress) loop(ctx context.Context) {
	defer close(g.doneCh)
	g.log.Debug().Msg("ingress loop started")
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		frame, err := g.source.ReceiveFrame(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			g.log.Error().Err(err).Msg("error in input loop, stopping")
			return
		}
		g.sink.Put(frame)
	}
}

// Stop cancels the pull loop and waits for it to exit. Idempotent.
func (g *Ingress) Stop() {
	g.stopOnce.Do(func() {
		g.mu.Lock()
		cancel := g.cancel
		done := g.doneCh
		g.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		if done != nil {
			<-done
		}
	})
}
