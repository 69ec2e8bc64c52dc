package track

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/frameproc"
)

// VideoClockRate is the RTP clock rate used for video timestamps,
// matching the rate negotiated for VP8/H264 payloads (§4.5).
const VideoClockRate = 90000

// OutputSource is the subset of frameproc.Processor the egress track
// needs: draining processed frames and reading the current throughput
// estimate that drives pacing.
type OutputSource interface {
	Get() (frameproc.OutputFrame, bool)
	EffectiveFPS() float64
}

// FrameProcessorLifecycle is the subset of frameproc.Processor needed to
// lazily start it and tear it down on stop.
type FrameProcessorLifecycle interface {
	Start()
	Stop(errMsg string)
}

// PacedFrame is one frame ready to hand to the outbound WebRTC track:
// paced to the pipeline's effective FPS and stamped with a monotonically
// increasing RTP timestamp. Encoding the pixel data and writing it onto
// an actual RTP track is left to the WebRTC/codec collaborator (§1, §9);
// Egress only owns pacing and timestamp bookkeeping.
type PacedFrame struct {
	Frame     frameproc.OutputFrame
	Timestamp uint32
}

// Egress paces processed frames out of a single OutputSource at the
// pipeline's dynamically measured rate (§4.5). It is a single-consumer
// component: Recv must not be called concurrently from more than one
// goroutine, mirroring the single recv() task of the original track.
type Egress struct {
	log    zerolog.Logger
	source OutputSource
	proc   FrameProcessorLifecycle

	startOnce sync.Once
	paused    atomic.Bool

	ingressMu sync.Mutex
	ingress   *Ingress

	// Touched only by the goroutine calling Recv.
	haveTimestamp bool
	startTime     time.Time
	timestamp     uint32
	lastFrame     *frameproc.OutputFrame

	stopOnce sync.Once
}

// NewEgress constructs an Egress pulling from source and lazily starting
// proc on the first Recv call.
func NewEgress(source OutputSource, proc FrameProcessorLifecycle) *Egress {
	return &Egress{
		log:    log.With().Str("component", "track.egress").Logger(),
		source: source,
		proc:   proc,
	}
}

// BindIngress associates the ingress loop this egress track should stop
// alongside it when Stop is called.
func (e *Egress) BindIngress(ingress *Ingress) {
	e.ingressMu.Lock()
	e.ingress = ingress
	e.ingressMu.Unlock()
}

// SetPaused toggles the freeze-frame behavior: while paused, Recv keeps
// re-emitting the last frame it produced instead of draining new ones.
func (e *Egress) SetPaused(p bool) {
	e.paused.Store(p)
}

// Paused reports the current pause state.
func (e *Egress) Paused() bool {
	return e.paused.Load()
}

// Recv returns the next frame to send, paced to the measured pipeline
// FPS (§4.5 step 1-6). It lazily starts the frame processor on the very
// first call.
func (e *Egress) Recv(ctx context.Context) (PacedFrame, error) {
	e.startOnce.Do(func() {
		e.proc.Start()
	})

	fps := e.source.EffectiveFPS()
	if fps <= 0 {
		fps = frameproc.DefaultFPS
	}
	period := time.Duration(float64(time.Second) / fps)

	frame, err := e.nextFrame(ctx)
	if err != nil {
		return PacedFrame{}, err
	}

	ts := e.nextTimestamp(period)

	saved := frame
	e.lastFrame = &saved

	return PacedFrame{Frame: frame, Timestamp: ts}, nil
}

// nextFrame implements the freeze-on-pause / wait-for-output semantics.
func (e *Egress) nextFrame(ctx context.Context) (frameproc.OutputFrame, error) {
	if e.paused.Load() && e.lastFrame != nil {
		return *e.lastFrame, nil
	}
	for {
		if f, ok := e.source.Get(); ok {
			return f, nil
		}
		select {
		case <-ctx.Done():
			return frameproc.OutputFrame{}, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// nextTimestamp advances the running RTP timestamp by one pacing period
// and sleeps off any remaining wall-clock budget for that period,
// keeping output evenly spaced even as individual frame production
// jitters (§4.5 step 6).
func (e *Egress) nextTimestamp(period time.Duration) uint32 {
	if !e.haveTimestamp {
		e.haveTimestamp = true
		e.startTime = time.Now()
		e.timestamp = 0
		return 0
	}

	e.timestamp += uint32(math.Round(period.Seconds() * VideoClockRate))
	due := e.startTime.Add(time.Duration(float64(e.timestamp) / VideoClockRate * float64(time.Second)))
	if wait := time.Until(due); wait > 0 {
		time.Sleep(wait)
	}
	return e.timestamp
}

// Stop cascades shutdown: cancel the bound ingress loop, then stop the
// frame processor. Idempotent.
func (e *Egress) Stop() {
	e.stopOnce.Do(func() {
		e.ingressMu.Lock()
		ingress := e.ingress
		e.ingressMu.Unlock()
		if ingress != nil {
			ingress.Stop()
		}
		e.proc.Stop("")
	})
}
