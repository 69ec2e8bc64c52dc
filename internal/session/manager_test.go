package session

import (
	"context"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/daydream/scope-server/internal/errs"
	"github.com/daydream/scope-server/internal/pipeline"
)

type fakePipelineStatus struct {
	loaded bool
}

func (f *fakePipelineStatus) IsLoaded() bool { return f.loaded }

func TestManager_HandleOfferFailsWhenPipelineNotLoaded(t *testing.T) {
	m := &Manager{
		pipelineMgr: &fakePipelineStatus{loaded: false},
		registry:    NewRegistry(),
		iceProvider: DefaultICEServers(),
	}

	_, err := m.HandleOffer(context.Background(), OfferRequest{SDP: "", Type: "offer"})
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrInvalidState)
	assert.Equal(t, errs.KindInvalidState, errs.Classify(err))
}

func TestRegistry_AddGetRemove(t *testing.T) {
	r := NewRegistry()
	sess, _, _ := newTestSession(t)
	r.add(sess)

	got, ok := r.Get(sess.ID)
	assert.True(t, ok)
	assert.Equal(t, sess, got)
	assert.Equal(t, 1, r.Count())

	r.Remove(sess.ID)
	_, ok = r.Get(sess.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
}

func TestRegistry_StopClosesAllSessionsAndClearsRegistry(t *testing.T) {
	r := NewRegistry()
	sess1, eg1, _ := newTestSession(t)
	sess2, eg2, _ := newTestSession(t)
	r.add(sess1)
	r.add(sess2)

	r.Stop()

	assert.Equal(t, 1, eg1.stops())
	assert.Equal(t, 1, eg2.stops())
	assert.Equal(t, 0, r.Count())
}

func TestDefaultICEServers_ReturnsSTUNFallback(t *testing.T) {
	servers := DefaultICEServers().ICEServers()
	require.Len(t, servers, 1)
	assert.Contains(t, servers[0].URLs, "stun:stun.l.google.com:19302")
}

func TestParseSDPType(t *testing.T) {
	assert.Equal(t, webrtc.SDPTypeOffer, parseSDPType("offer"))
	assert.Equal(t, webrtc.SDPTypeAnswer, parseSDPType("answer"))
	assert.Equal(t, webrtc.SDPTypeOffer, parseSDPType("garbage"))
}

func TestManager_HandleOfferFailsOnBadSDP(t *testing.T) {
	m := NewManager(nil, DefaultICEServers())
	m.pipelineMgr = &fakePipelineStatus{loaded: true}
	m.frameSrc = &fakePipelineSourceForManager{}

	_, err := m.HandleOffer(context.Background(), OfferRequest{SDP: "not a valid sdp", Type: "offer"})
	require.Error(t, err)
	assert.False(t, errors.Is(err, errs.ErrInvalidState))
}

type fakePipelineSourceForManager struct{}

func (f *fakePipelineSourceForManager) GetPipeline() (pipeline.Pipeline, error) {
	return nil, nil
}
