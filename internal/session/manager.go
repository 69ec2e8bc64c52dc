package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/errs"
	"github.com/daydream/scope-server/internal/frameproc"
	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/track"
)

// PipelineStatusSource is the subset of *pipeline.Manager the session
// manager needs to gate offers on pipeline readiness.
type PipelineStatusSource interface {
	IsLoaded() bool
}

// ICEServerProvider supplies the ICE/TURN server list for new peer
// connections (§6: "ICE/TURN credential provider selection"). Production
// wiring can select a static list, or query a TURN credential service
// the way the original queries Cloudflare/Twilio.
type ICEServerProvider interface {
	ICEServers() []webrtc.ICEServer
}

// StaticICEServers is an ICEServerProvider returning a fixed list,
// sufficient for a STUN-only default configuration.
type StaticICEServers []webrtc.ICEServer

func (s StaticICEServers) ICEServers() []webrtc.ICEServer { return s }

// DefaultICEServers mirrors the original's fallback: a single public
// STUN server, used when no TURN credential provider is configured.
func DefaultICEServers() StaticICEServers {
	return StaticICEServers{{URLs: []string{"stun:stun.l.google.com:19302"}}}
}

// OfferRequest is the decoded body of POST /api/v1/webrtc/offer (§6).
type OfferRequest struct {
	SDP               string
	Type              string
	InitialParameters map[string]any
}

// OfferAnswer is the SDP answer returned to the client.
type OfferAnswer struct {
	SDP  string
	Type string
}

// Registry tracks live sessions by id.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty session registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

func (r *Registry) add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
}

// Remove closes and drops the session with the given id, if present.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
	}
	r.mu.Unlock()
	if ok {
		s.Close()
	}
}

// Get looks up a live session by id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stop closes all sessions concurrently and clears the registry (§4.7).
func (r *Registry) Stop() {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Close()
		}()
	}
	wg.Wait()
}

// Manager implements the offer/answer flow and session lifecycle (§4.7).
type Manager struct {
	log         zerolog.Logger
	registry    *Registry
	pipelineMgr PipelineStatusSource
	frameSrc    frameproc.PipelineSource
	iceProvider ICEServerProvider
	encoder     FrameEncoder
	decoder     FrameDecoder
}

// NewManager constructs a session manager bound to a pipeline manager
// used both to gate offers (IsLoaded) and as the frame processor's
// pipeline source (GetPipeline).
func NewManager(pipelineMgr *pipeline.Manager, iceProvider ICEServerProvider) *Manager {
	if iceProvider == nil {
		iceProvider = DefaultICEServers()
	}
	return &Manager{
		log:         log.With().Str("component", "session.manager").Logger(),
		registry:    NewRegistry(),
		pipelineMgr: pipelineMgr,
		frameSrc:    pipelineMgr,
		iceProvider: iceProvider,
		encoder:     RawFrameEncoder{},
		decoder:     RawFrameDecoder{Width: 512, Height: 512},
	}
}

// Registry exposes the live session registry, primarily for the HTTP
// status surface and tests.
func (m *Manager) Registry() *Registry { return m.registry }

// HandleOffer implements §4.7 steps 1-7.
func (m *Manager) HandleOffer(ctx context.Context, req OfferRequest) (OfferAnswer, error) {
	if !m.pipelineMgr.IsLoaded() {
		return OfferAnswer{}, fmt.Errorf("%w: pipeline not loaded", errs.ErrInvalidState)
	}

	config := webrtc.Configuration{ICEServers: m.iceProvider.ICEServers()}
	pc, err := webrtc.NewPeerConnection(config)
	if err != nil {
		return OfferAnswer{}, fmt.Errorf("create peer connection: %w", err)
	}

	sess, localTrack, frameSink, err := m.buildSession(ctx, pc, req.InitialParameters)
	if err != nil {
		pc.Close()
		return OfferAnswer{}, err
	}
	m.registry.add(sess)

	pc.OnTrack(func(remote *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if remote.Kind() != webrtc.RTPCodecTypeVideo {
			return
		}
		m.log.Info().Str("session_id", sess.ID).Msg("remote video track received")

		source := NewRemoteVideoSource(remote, m.decoder)
		ing := track.NewIngress(source, frameSink)
		sess.BindRemoteTrack(ing)
		ing.Start(context.Background())
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		m.log.Info().Str("session_id", sess.ID).Str("label", dc.Label()).Msg("data channel received")
		sess.AttachDataChannel(dc)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.log.Info().Str("session_id", sess.ID).Str("state", state.String()).Msg("connection state changed")
		if state == webrtc.PeerConnectionStateClosed || state == webrtc.PeerConnectionStateFailed {
			m.registry.Remove(sess.ID)
		}
	})

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: parseSDPType(req.Type),
		SDP:  req.SDP,
	}); err != nil {
		m.registry.Remove(sess.ID)
		return OfferAnswer{}, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		m.registry.Remove(sess.ID)
		return OfferAnswer{}, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		m.registry.Remove(sess.ID)
		return OfferAnswer{}, fmt.Errorf("set local description: %w", err)
	}

	go sess.RunEgressLoop(context.Background(), sampleTrackSink{localTrack}, m.encoder)

	local := pc.LocalDescription()
	return OfferAnswer{SDP: local.SDP, Type: local.Type.String()}, nil
}

// buildSession wires the frame processor, egress track, outbound media
// track, notification sender, and Session together (§4.6 construction).
// The returned track.FrameSink is the frame processor's input side,
// handed back to the caller to bind to the ingress loop once a remote
// track arrives.
func (m *Manager) buildSession(_ context.Context, pc *webrtc.PeerConnection, initialParams map[string]any) (*Session, *webrtc.TrackLocalStaticSample, track.FrameSink, error) {
	notifier := NewNotificationSender()

	fp := frameproc.New(m.frameSrc, frameproc.Options{
		InitialParameters: pipeline.ParameterBag(initialParams),
		Notify: func(n frameproc.StopNotification) {
			notifier.Send(n)
		},
	})

	egress := track.NewEgress(fp, fp)
	sess := New(pc, egress, fp, notifier)

	localTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264, ClockRate: track.VideoClockRate},
		"video", "scope-"+sess.ID,
	)
	if err != nil {
		notifier.Close()
		return nil, nil, nil, fmt.Errorf("create outbound track: %w", err)
	}
	if _, err := pc.AddTrack(localTrack); err != nil {
		notifier.Close()
		return nil, nil, nil, fmt.Errorf("add outbound track: %w", err)
	}

	return sess, localTrack, fp, nil
}

func parseSDPType(t string) webrtc.SDPType {
	switch t {
	case "answer":
		return webrtc.SDPTypeAnswer
	case "pranswer":
		return webrtc.SDPTypePranswer
	case "rollback":
		return webrtc.SDPTypeRollback
	default:
		return webrtc.SDPTypeOffer
	}
}

// sampleTrackSink adapts *webrtc.TrackLocalStaticSample to MediaSink.
type sampleTrackSink struct {
	track *webrtc.TrackLocalStaticSample
}

func (s sampleTrackSink) WriteSample(data []byte, duration time.Duration) error {
	return s.track.WriteSample(media.Sample{Data: data, Duration: duration})
}

// Stop closes all sessions concurrently and clears the registry (§4.7).
func (m *Manager) Stop() {
	m.registry.Stop()
}
