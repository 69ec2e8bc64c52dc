package frameproc

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daydream/scope-server/internal/errs"
	"github.com/daydream/scope-server/internal/pipeline"
)

// fakePipeline is a minimal, fully in-memory pipeline.Pipeline used to
// exercise the worker loop without any real inference.
type fakePipeline struct {
	mu            sync.Mutex
	inputSize     int
	framesPerCall int
	processErr    error
	calls         int
}

func (f *fakePipeline) Prepare(_ context.Context, _ bool, _ pipeline.ParameterBag) (*pipeline.Requirements, error) {
	if f.inputSize == 0 {
		return nil, nil
	}
	return &pipeline.Requirements{InputSize: f.inputSize}, nil
}

func (f *fakePipeline) Process(_ context.Context, input *pipeline.FrameChunk, _ pipeline.ParameterBag) (pipeline.OutputChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.processErr != nil {
		return pipeline.OutputChunk{}, f.processErr
	}
	n := f.framesPerCall
	if n == 0 {
		n = 1
	}
	frames := make([][]float32, n)
	for i := range frames {
		frames[i] = []float32{0.5, 0.5, 0.5}
	}
	return pipeline.OutputChunk{Width: 1, Height: 1, Frames: frames}, nil
}

type fakeSource struct {
	mu  sync.Mutex
	pl  pipeline.Pipeline
	err error
}

func (s *fakeSource) GetPipeline() (pipeline.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.pl, nil
}

func (s *fakeSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestProcessor_GenerativePipelineProducesOutputWithoutInput(t *testing.T) {
	fp := &fakePipeline{framesPerCall: 2} // inputSize 0 -> generative
	src := &fakeSource{pl: fp}
	p := New(src, Options{})
	p.Start()
	defer p.Stop("")

	waitFor(t, time.Second, func() bool {
		_, ok := p.Get()
		return ok
	})
}

func TestProcessor_BuffersInputUntilChunkSizeMet(t *testing.T) {
	fp := &fakePipeline{inputSize: 4, framesPerCall: 1}
	src := &fakeSource{pl: fp}
	p := New(src, Options{})
	p.Start()
	defer p.Stop("")

	for i := 0; i < 3; i++ {
		p.Put(pipeline.Frame{Data: []byte{byte(i)}})
	}
	time.Sleep(30 * time.Millisecond)
	_, ok := p.Get()
	assert.False(t, ok, "must not process until 4 frames are buffered")

	p.Put(pipeline.Frame{Data: []byte{3}})
	waitFor(t, time.Second, func() bool {
		_, ok := p.Get()
		return ok
	})
}

func TestProcessor_PipelineNotAvailableFlushesBufferAndContinues(t *testing.T) {
	fp := &fakePipeline{inputSize: 2}
	src := &fakeSource{pl: fp, err: fmt.Errorf("%w", errs.ErrPipelineNotAvailable)}
	p := New(src, Options{})
	p.Start()
	defer p.Stop("")
	require.True(t, p.Put(pipeline.Frame{Data: []byte{1}}), "Put must buffer once the processor is running")

	waitFor(t, time.Second, func() bool { return p.buffer.Len() == 0 })
}

func TestProcessor_FatalErrorStopsAndNotifies(t *testing.T) {
	fp := &fakePipeline{processErr: fmt.Errorf("%w: device OOM", errs.ErrResourceExhausted)}
	src := &fakeSource{pl: fp}

	var mu sync.Mutex
	var got *StopNotification
	p := New(src, Options{Notify: func(n StopNotification) {
		mu.Lock()
		defer mu.Unlock()
		got = &n
	}})
	p.Start()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	require.NotNil(t, got)
	assert.Equal(t, "stream_stopped", got.Type)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "device OOM")
	mu.Unlock()

	_, ok := p.Get()
	assert.False(t, ok, "Get must return nothing once stopped")
}

func TestProcessor_TransientErrorsAreRetriedThenAbsorbed(t *testing.T) {
	fp := &fakePipeline{processErr: fmt.Errorf("%w: flaky", errs.ErrTransient)}
	src := &fakeSource{pl: fp}
	p := New(src, Options{})
	p.Start()
	defer p.Stop("")

	time.Sleep(50 * time.Millisecond)
	assert.True(t, fp.calls >= 3, "transient errors should be retried a few times per chunk")
}

func TestProcessor_UpdateParameters_DropsWhenFull(t *testing.T) {
	fp := &fakePipeline{}
	src := &fakeSource{pl: fp}
	// Deliberately not Start()ed: nothing drains paramCh, so the 9th
	// update against an 8-capacity channel must be dropped.
	p := New(src, Options{})

	ok := true
	for i := 0; i < paramQueueSize+1 && ok; i++ {
		ok = p.UpdateParameters(pipeline.ParameterBag{"n": i})
	}
	assert.False(t, ok, "the 9th update should be dropped once the queue is full")
}

func TestProcessor_StopIsIdempotent(t *testing.T) {
	fp := &fakePipeline{inputSize: 1000} // never satisfied, keeps worker parked in sleep
	src := &fakeSource{pl: fp}

	var notifyCount int
	var mu sync.Mutex
	p := New(src, Options{Notify: func(StopNotification) {
		mu.Lock()
		notifyCount++
		mu.Unlock()
	}})
	p.Start()
	p.Stop("")
	p.Stop("")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, notifyCount)
}
