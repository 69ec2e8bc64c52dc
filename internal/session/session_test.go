package session

import (
	"context"
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/track"
)

type fakeEgressTrack struct {
	mu        sync.Mutex
	paused    bool
	stopCalls int
	boundIngress *track.Ingress
}

func (f *fakeEgressTrack) Recv(ctx context.Context) (track.PacedFrame, error) {
	<-ctx.Done()
	return track.PacedFrame{}, ctx.Err()
}

func (f *fakeEgressTrack) SetPaused(p bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = p
}

func (f *fakeEgressTrack) BindIngress(ing *track.Ingress) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.boundIngress = ing
}

func (f *fakeEgressTrack) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
}

func (f *fakeEgressTrack) isPaused() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.paused
}

func (f *fakeEgressTrack) stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopCalls
}

type fakeParamSink struct {
	mu      sync.Mutex
	updates []pipeline.ParameterBag
}

func (f *fakeParamSink) UpdateParameters(bag pipeline.ParameterBag) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, bag)
	return true
}

func (f *fakeParamSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.updates)
}

func newTestSession(t *testing.T) (*Session, *fakeEgressTrack, *fakeParamSink) {
	t.Helper()
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	t.Cleanup(func() { pc.Close() })

	eg := &fakeEgressTrack{}
	ps := &fakeParamSink{}
	notifier := NewNotificationSender()
	sess := New(pc, eg, ps, notifier)
	return sess, eg, ps
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	sess, eg, _ := newTestSession(t)

	sess.Close()
	sess.Close()

	assert.Equal(t, 1, eg.stops(), "egress Stop must be called exactly once")
}

func TestSession_DataChannelMessageForwardsPauseAndParameters(t *testing.T) {
	sess, eg, ps := newTestSession(t)
	defer sess.Close()

	sess.handleDataChannelMessage([]byte(`{"paused": true, "noise_scale": 0.5}`))

	assert.True(t, eg.isPaused())
	require.Equal(t, 1, ps.count())
}

func TestSession_DataChannelMessageDropsMalformedJSON(t *testing.T) {
	sess, _, ps := newTestSession(t)
	defer sess.Close()

	sess.handleDataChannelMessage([]byte(`{not json`))

	assert.Equal(t, 0, ps.count())
}

func TestRawFrameDecoder_PadsAndTruncatesToFixedSize(t *testing.T) {
	d := RawFrameDecoder{Width: 2, Height: 1}

	short, err := d.Decode([]byte{1, 2})
	require.NoError(t, err)
	assert.Len(t, short.Data, 6)
	assert.Equal(t, []byte{1, 2, 0, 0, 0, 0}, short.Data)

	long, err := d.Decode([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.NoError(t, err)
	assert.Len(t, long.Data, 6)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, long.Data)
}

func TestSession_NewGeneratesUniqueIDs(t *testing.T) {
	sess1, _, _ := newTestSession(t)
	defer sess1.Close()
	sess2, _, _ := newTestSession(t)
	defer sess2.Close()

	assert.NotEqual(t, sess1.ID, sess2.ID)
}
