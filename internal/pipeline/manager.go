package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/errs"
)

// Status is the pipeline lifecycle state (§3 PipelineStatus).
type Status int

const (
	StatusNotLoaded Status = iota
	StatusLoading
	StatusLoaded
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusNotLoaded:
		return "not_loaded"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// StatusInfo is the atomic snapshot returned by Manager.Status.
type StatusInfo struct {
	Status     Status
	PipelineID string
	LoadParams map[string]any
	Error      string
}

// CacheFlusher is an injected hook for releasing GPU/cache resources on
// unload. The core never depends on CUDA directly (§4.2): production
// wiring supplies an implementation that calls into the real runtime, and
// tests supply a no-op or counting fake.
type CacheFlusher interface {
	Flush()
}

type noopFlusher struct{}

func (noopFlusher) Flush() {}

// Manager is the pipeline lifecycle state machine (§4.2, C2). One Manager
// is shared by all sessions; sessions hold a non-owning reference and
// call GetPipeline for each use.
type Manager struct {
	mu       sync.Mutex
	registry *Registry
	flusher  CacheFlusher
	log      zerolog.Logger

	status     Status
	pipeline   Pipeline
	pipelineID string
	loadParams map[string]any
	rawParams  map[string]any
	errMsg     string
}

// NewManager constructs a Manager bound to a Registry of constructible
// pipelines. flusher may be nil, in which case a no-op is used.
func NewManager(registry *Registry, flusher CacheFlusher) *Manager {
	if flusher == nil {
		flusher = noopFlusher{}
	}
	return &Manager{
		registry: registry,
		flusher:  flusher,
		status:   StatusNotLoaded,
		log:      log.With().Str("component", "pipeline.manager").Logger(),
	}
}

// Load serializes load/unload/reload across callers (§4.2). It returns
// (true, nil) if a pipeline ends up Loaded with (id, params) — including
// the no-op case where it already was — and (false, nil) if another
// caller currently owns an in-flight Loading transition. A non-nil error
// means the load attempt itself failed; status becomes Error.
func (m *Manager) Load(ctx context.Context, id string, rawParams map[string]any) (bool, error) {
	m.mu.Lock()

	if m.status == StatusLoading {
		m.mu.Unlock()
		m.log.Info().Msg("pipeline already loading by another caller")
		return false, nil
	}

	if m.status == StatusLoaded && m.pipelineID == id && paramsEqual(m.rawParams, rawParams) {
		m.mu.Unlock()
		m.log.Info().Str("pipeline_id", id).Msg("pipeline already loaded with matching parameters")
		return true, nil
	}

	if m.status == StatusLoaded {
		m.unloadLocked()
	}

	m.status = StatusLoading
	m.errMsg = ""
	m.mu.Unlock()

	m.log.Info().Str("pipeline_id", id).Msg("loading pipeline")
	pl, params, err := m.registry.Construct(id, rawParams)

	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.status = StatusError
		m.errMsg = fmt.Errorf("%w: %s", errs.ErrLoadFailure, err.Error()).Error()
		m.pipeline = nil
		m.pipelineID = ""
		m.loadParams = nil
		m.rawParams = nil
		m.log.Error().Err(err).Str("pipeline_id", id).Msg("pipeline load failed")
		return false, err
	}

	m.pipeline = pl
	m.pipelineID = id
	m.rawParams = rawParams
	if params != nil {
		m.loadParams = map[string]any{"params": params}
	} else {
		m.loadParams = nil
	}
	m.status = StatusLoaded
	m.log.Info().Str("pipeline_id", id).Msg("pipeline loaded")
	return true, nil
}

// Prewarm runs Load in the background, bounded by a 5 minute timeout
// (§4.2): it returns once Load finishes, the timeout elapses, or ctx is
// done, whichever comes first. A load still running at that point is not
// interrupted. It must not block startup — callers invoke it as `go
// mgr.Prewarm(...)` or rely on its own internal goroutine via
// PrewarmAsync.
func (m *Manager) Prewarm(ctx context.Context, id string, rawParams map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := m.Load(ctx, id, rawParams)
		errCh <- err
	}()
	select {
	case err := <-errCh:
		if err != nil {
			m.log.Error().Err(err).Str("pipeline_id", id).Msg("error pre-warming pipeline in background")
		}
	case <-ctx.Done():
		m.log.Error().Err(ctx.Err()).Str("pipeline_id", id).Msg("stopped waiting for background pipeline pre-warm")
	}
}

// PrewarmAsync launches Prewarm on its own goroutine and returns
// immediately, so server startup is never blocked on a multi-minute
// model load.
func (m *Manager) PrewarmAsync(ctx context.Context, id string, rawParams map[string]any) {
	go m.Prewarm(ctx, id, rawParams)
}

// Unload releases the current pipeline (thread-safe).
func (m *Manager) Unload() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unloadLocked()
}

// unloadLocked must be called with m.mu held. It transitions state before
// releasing resources so a concurrent GetPipeline observes the unload
// promptly (§4.2 unload policy).
func (m *Manager) unloadLocked() {
	if m.pipeline != nil {
		m.log.Info().Str("pipeline_id", m.pipelineID).Msg("unloading pipeline")
	}
	m.status = StatusNotLoaded
	m.pipeline = nil
	m.pipelineID = ""
	m.loadParams = nil
	m.rawParams = nil
	m.errMsg = ""
	m.flusher.Flush()
}

// GetPipeline returns the loaded pipeline, or ErrPipelineNotAvailable if
// status is not Loaded.
func (m *Manager) GetPipeline() (Pipeline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status != StatusLoaded || m.pipeline == nil {
		return nil, fmt.Errorf("%w: status %s", errs.ErrPipelineNotAvailable, m.status)
	}
	return m.pipeline, nil
}

// IsLoaded reports whether the manager is in the Loaded state.
func (m *Manager) IsLoaded() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == StatusLoaded
}

// Status returns a snapshot of the current lifecycle state.
func (m *Manager) Status() StatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return StatusInfo{
		Status:     m.status,
		PipelineID: m.pipelineID,
		LoadParams: m.rawParams,
		Error:      m.errMsg,
	}
}

func paramsEqual(a, b map[string]any) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		bv, ok := b[k]
		if !ok {
			return false
		}
		if fmt.Sprint(v) != fmt.Sprint(bv) {
			return false
		}
	}
	return true
}
