package frameproc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFPSTracker_DefaultBeforeAnySample(t *testing.T) {
	tr := NewFPSTracker()
	assert.Equal(t, DefaultFPS, tr.Effective())
}

func TestFPSTracker_IgnoresNonPositiveSamples(t *testing.T) {
	tr := NewFPSTracker()
	tr.Record(0, 10)
	tr.Record(time.Second, 0)
	assert.Equal(t, DefaultFPS, tr.Effective())
}

func TestFPSTracker_ClampedToBounds(t *testing.T) {
	tr := NewFPSTracker()
	tr.lastUpdate = time.Now().Add(-time.Second) // force immediate publish
	tr.Record(1*time.Nanosecond, 1)              // would compute a huge FPS
	assert.LessOrEqual(t, tr.Effective(), MaxFPS)
	assert.GreaterOrEqual(t, tr.Effective(), MinFPS)

	tr2 := NewFPSTracker()
	tr2.lastUpdate = time.Now().Add(-time.Second)
	tr2.Record(100*time.Second, 1) // would compute ~0.01 FPS
	assert.GreaterOrEqual(t, tr2.Effective(), MinFPS)
}

func TestFPSTracker_SkipsPublishWithinInterval(t *testing.T) {
	tr := NewFPSTracker()
	tr.lastUpdate = time.Now()
	tr.Record(10*time.Millisecond, 1)
	assert.Equal(t, DefaultFPS, tr.Effective(), "should not publish before fpsUpdateInterval elapses")
}
