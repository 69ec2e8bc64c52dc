// Package frameproc implements the frame processor (§4.3, C3): the
// per-session worker that samples input frames, drives one pipeline call
// per tick, drains output into a bounded queue, and tracks throughput.
package frameproc

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/errs"
	"github.com/daydream/scope-server/internal/pipeline"
)

const (
	sleepInterval     = 10 * time.Millisecond
	paramQueueSize    = 8
	workerJoinTimeout = 5 * time.Second
)

// StopNotification is the message sent through Notify when the processor
// stops, matching the data channel's {"type": "stream_stopped", ...}
// payload (§6).
type StopNotification struct {
	Type         string  `json:"type"`
	ErrorMessage *string `json:"error_message,omitempty"`
}

// Options configures a new Processor.
type Options struct {
	BufferCapacity      int
	OutputQueueCapacity int
	InitialParameters   pipeline.ParameterBag
	Notify              func(StopNotification)
}

// PipelineSource is the subset of pipeline.Manager the processor needs.
// Depending on the interface instead of the concrete manager keeps this
// package testable without a real pipeline lifecycle.
type PipelineSource interface {
	GetPipeline() (pipeline.Pipeline, error)
}

// Processor runs one pipeline invocation per tick on a dedicated worker
// goroutine, moderating input supply via FrameBuffer and output demand
// via OutputQueue (§4.3).
type Processor struct {
	mgr PipelineSource
	log zerolog.Logger

	buffer  *FrameBuffer
	outputQ *OutputQueue
	fps     *FPSTracker

	paramCh chan pipeline.ParameterBag
	notify  func(StopNotification)

	running    atomic.Bool
	isPrepared bool
	paused     atomic.Bool

	stopOnce   sync.Once
	shutdownCh chan struct{}
	doneCh     chan struct{}

	// params is only touched from the worker goroutine.
	params pipeline.ParameterBag
}

// New constructs a Processor bound to a shared pipeline.Manager. The
// processor is not started until Start is called.
func New(mgr PipelineSource, opts Options) *Processor {
	bufCap := opts.BufferCapacity
	if bufCap <= 0 {
		bufCap = DefaultBufferCapacity
	}
	outCap := opts.OutputQueueCapacity
	if outCap <= 0 {
		outCap = DefaultOutputQueueCapacity
	}
	initial := opts.InitialParameters
	if initial == nil {
		initial = pipeline.ParameterBag{}
	}
	closedDone := make(chan struct{})
	close(closedDone)
	return &Processor{
		mgr:     mgr,
		log:     log.With().Str("component", "frameproc").Logger(),
		buffer:  NewFrameBuffer(bufCap),
		outputQ: NewOutputQueue(outCap),
		fps:     NewFPSTracker(),
		paramCh: make(chan pipeline.ParameterBag, paramQueueSize),
		notify:  opts.Notify,
		params:  initial.Clone(),
		// doneCh starts pre-closed so Stop() called before Start() returns
		// immediately instead of waiting out the join timeout.
		doneCh: closedDone,
	}
}

// Start spawns the worker goroutine. A second call while already running
// is a no-op.
func (p *Processor) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopOnce = sync.Once{}
	p.shutdownCh = make(chan struct{})
	p.doneCh = make(chan struct{})
	go p.workerLoop()
	p.log.Info().Msg("frame processor started")
}

// Stop signals shutdown, waits (up to 5s) for the worker to exit unless
// it is already stopped, drains the output queue, clears the input
// buffer, and invokes the stop notification callback. Idempotent: a
// second call is a no-op beyond the join.
func (p *Processor) Stop(errMsg string) {
	p.stopInternal(errMsg)
	select {
	case <-p.doneCh:
	case <-time.After(workerJoinTimeout):
		p.log.Warn().Msg("timed out waiting for frame processor worker to stop")
	}
}

// stopInternal performs the shutdown exactly once (via sync.Once) and
// never blocks, so it is safe to call from the worker goroutine itself —
// the join in Stop is only performed by external callers.
func (p *Processor) stopInternal(errMsg string) {
	p.stopOnce.Do(func() {
		p.running.Store(false)
		if p.shutdownCh != nil {
			close(p.shutdownCh)
		}
		p.outputQ.Clear()
		p.buffer.Clear()
		p.log.Info().Msg("frame processor stopped")
		if p.notify != nil {
			msg := StopNotification{Type: "stream_stopped"}
			if errMsg != "" {
				msg.ErrorMessage = &errMsg
			}
			p.notify(msg)
		}
	})
}

// Put appends a frame to the input buffer. Returns false if the processor
// is not running. Overflow silently drops the oldest buffered frame.
func (p *Processor) Put(f pipeline.Frame) bool {
	if !p.running.Load() {
		return false
	}
	p.buffer.Push(f)
	return true
}

// Get non-blockingly pops the oldest processed frame, or ok=false if the
// queue is empty or the processor has stopped.
func (p *Processor) Get() (OutputFrame, bool) {
	if !p.running.Load() {
		return OutputFrame{}, false
	}
	return p.outputQ.Pop()
}

// UpdateParameters non-blockingly enqueues a parameter bag update.
// Returns false (and logs) if the parameter channel is full; the update
// is dropped, not coalesced.
func (p *Processor) UpdateParameters(bag pipeline.ParameterBag) bool {
	select {
	case p.paramCh <- bag:
		return true
	default:
		p.log.Info().Msg("parameter queue full, dropping parameter update")
		return false
	}
}

// EffectiveFPS returns the published, clamped FPS estimate.
func (p *Processor) EffectiveFPS() float64 {
	return p.fps.Effective()
}

func (p *Processor) workerLoop() {
	defer close(p.doneCh)
	p.log.Info().Msg("worker goroutine started")

	ctx := context.Background()
	for p.running.Load() {
		select {
		case <-p.shutdownCh:
			return
		default:
		}

		err := p.processChunk(ctx)
		if err == nil {
			continue
		}

		switch errs.Classify(err) {
		case errs.KindPipelineNotAvailable:
			p.log.Debug().Err(err).Msg("pipeline temporarily unavailable")
			if n := p.buffer.Len(); n > 0 {
				p.log.Debug().Int("frames", n).Msg("flushing frame buffer due to pipeline unavailability")
				p.buffer.Clear()
			}
		default:
			if errs.Recoverable(err) {
				p.log.Error().Err(err).Msg("error in worker loop")
			} else {
				p.log.Error().Err(err).Msg("non-recoverable error in worker loop, stopping frame processor")
				p.stopInternal(err.Error())
				return
			}
		}
	}
	p.log.Info().Msg("worker goroutine stopped")
}

// processChunk implements one iteration of the worker algorithm (§4.3
// steps 1-11).
func (p *Processor) processChunk(ctx context.Context) error {
	start := time.Now()

	select {
	case newBag := <-p.paramCh:
		if !newBag.Equal(p.params) {
			p.params = p.params.Merge(newBag)
			p.log.Info().Interface("parameters", p.params).Msg("updated parameters")
		}
	default:
	}

	pl, err := p.mgr.GetPipeline()
	if err != nil {
		return err
	}

	if paused, ok := p.params.PopBool(pipeline.ParamPaused); ok {
		p.paused.Store(paused)
	}
	if p.paused.Load() {
		p.sleep(sleepInterval)
		return nil
	}

	resetCache, _ := p.params.PopBool(pipeline.ParamResetCache)
	shouldPrepare := !p.isPrepared || resetCache

	requirements, err := pl.Prepare(ctx, shouldPrepare, p.params)
	if err != nil {
		return err
	}
	p.isPrepared = true

	var input *pipeline.FrameChunk
	if requirements != nil {
		frames, ok := p.buffer.SampleUniform(requirements.InputSize)
		if !ok {
			p.sleep(sleepInterval)
			return nil
		}
		input = &pipeline.FrameChunk{Frames: frames}
	}

	processParams := p.params.ForProcess()
	output, err := p.callProcessWithRetry(ctx, pl, input, processParams)
	if err != nil {
		return err
	}

	numFrames := len(output.Frames)
	if numFrames == 0 {
		return nil
	}

	p.outputQ.EnsureCapacity(numFrames * OutputQueueGrowthFactor)

	for _, plane := range output.Frames {
		frame := toUint8Frame(output.Width, output.Height, plane)
		if !p.outputQ.TryPush(frame) {
			p.log.Warn().Msg("output queue full, dropping processed frame")
		}
	}

	p.fps.Record(time.Since(start), numFrames)
	return nil
}

// callProcessWithRetry retries ErrTransient failures a bounded number of
// times with a short fixed delay (§4.1 "retried by the worker", §7).
// ErrResourceExhausted and any other error surface immediately.
func (p *Processor) callProcessWithRetry(ctx context.Context, pl pipeline.Pipeline, input *pipeline.FrameChunk, params pipeline.ParameterBag) (pipeline.OutputChunk, error) {
	var out pipeline.OutputChunk
	err := retry.Do(
		func() error {
			o, err := pl.Process(ctx, input, params)
			if err != nil {
				return err
			}
			out = o
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.DelayType(retry.FixedDelay),
		retry.Delay(sleepInterval),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return errs.Classify(err) == errs.KindTransient
		}),
	)
	return out, err
}

func (p *Processor) sleep(d time.Duration) {
	select {
	case <-p.shutdownCh:
	case <-time.After(d):
	}
}

func toUint8Frame(width, height int, plane []float32) OutputFrame {
	data := make([]byte, len(plane))
	for i, v := range plane {
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		data[i] = byte(v*255.0 + 0.5)
	}
	return OutputFrame{Width: width, Height: height, Data: data}
}
