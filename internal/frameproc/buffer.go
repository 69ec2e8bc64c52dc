package frameproc

import (
	"math"
	"sync"

	"github.com/daydream/scope-server/internal/pipeline"
)

// DefaultBufferCapacity is the default max length of the input frame
// buffer (§3 FrameBuffer).
const DefaultBufferCapacity = 30

// FrameBuffer is an ordered sequence of raw decoded frames with bounded
// capacity. Oldest frames are overwritten on overflow. All access is
// under a mutex (§3, §5 "mutex-guarded deque").
type FrameBuffer struct {
	mu       sync.Mutex
	frames   []pipeline.Frame
	capacity int
}

// NewFrameBuffer returns an empty buffer bounded at capacity frames.
func NewFrameBuffer(capacity int) *FrameBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCapacity
	}
	return &FrameBuffer{capacity: capacity}
}

// Push appends a frame, dropping the oldest frame if the buffer is at
// capacity.
func (b *FrameBuffer) Push(f pipeline.Frame) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, f)
	if len(b.frames) > b.capacity {
		b.frames = b.frames[len(b.frames)-b.capacity:]
	}
}

// Len reports the current number of buffered frames.
func (b *FrameBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// Clear empties the buffer (used on stop and on PipelineNotAvailable).
func (b *FrameBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = nil
}

// SampleUniform implements §4.3.1: given a buffer of length N and a
// requested chunk size K (N >= K required), it picks indices
// round(i*N/K) for i in [0,K), removes frames [0, lastIndex] inclusive,
// and returns the sampled frames in order. Returns ok=false without
// mutating the buffer when N < K.
func (b *FrameBuffer) SampleUniform(k int) (frames []pipeline.Frame, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.frames)
	if k <= 0 || n < k {
		return nil, false
	}

	step := float64(n) / float64(k)
	indices := make([]int, k)
	sampled := make([]pipeline.Frame, k)
	for i := 0; i < k; i++ {
		idx := int(math.Floor(float64(i)*step + 0.5))
		if idx >= n {
			idx = n - 1
		}
		indices[i] = idx
		sampled[i] = b.frames[idx]
	}

	lastIdx := indices[k-1]
	remaining := make([]pipeline.Frame, len(b.frames[lastIdx+1:]))
	copy(remaining, b.frames[lastIdx+1:])
	b.frames = remaining

	return sampled, true
}
