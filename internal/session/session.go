// Package session implements the WebRTC session, session manager, and
// notification sender (§4.6-4.8, C6-C8): the per-connection state that
// binds a peer connection to its egress track and data channel, and the
// registry that creates and tears sessions down.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/daydream/scope-server/internal/frameproc"
	"github.com/daydream/scope-server/internal/pipeline"
	"github.com/daydream/scope-server/internal/track"
)

// EgressTrack is the subset of *track.Egress a session drives.
type EgressTrack interface {
	Recv(ctx context.Context) (track.PacedFrame, error)
	SetPaused(bool)
	BindIngress(*track.Ingress)
	Stop()
}

// ParamSink is the subset of *frameproc.Processor a session forwards
// data-channel parameter updates to.
type ParamSink interface {
	UpdateParameters(pipeline.ParameterBag) bool
}

// MediaSink is the outbound transport a session writes encoded egress
// samples to. Production wiring adapts a *webrtc.TrackLocalStaticSample;
// encoding itself is a collaborator concern (§1, §9 — codec selection is
// a non-goal).
type MediaSink interface {
	WriteSample(data []byte, duration time.Duration) error
}

// FrameEncoder turns a processed frame into bytes a MediaSink can carry.
type FrameEncoder interface {
	Encode(frameproc.OutputFrame) ([]byte, error)
}

// RawFrameEncoder passes frame pixel data through unencoded. It exists
// so the session and egress pipeline are exercisable end to end without
// a real video codec wired in; production deployments supply a
// FrameEncoder backed by an actual encoder.
type RawFrameEncoder struct{}

func (RawFrameEncoder) Encode(f frameproc.OutputFrame) ([]byte, error) {
	return f.Data, nil
}

// FrameDecoder turns one received RTP packet's payload into a raw frame.
// Real RTP depacketization and codec decode are a WebRTC/codec
// collaborator concern (§1, §9 — codec selection is a non-goal);
// production deployments supply a FrameDecoder backed by an actual
// decoder.
type FrameDecoder interface {
	Decode(payload []byte) (pipeline.Frame, error)
}

// RawFrameDecoder treats an RTP payload as already-decoded raw RGB frame
// data of a fixed size, truncating or zero-padding to fit. It is the
// identity stand-in mirroring RawFrameEncoder, used so the ingress pull
// loop (§4.4) is wired and exercisable end to end before a real codec
// decoder is in place.
type RawFrameDecoder struct {
	Width, Height int
}

func (d RawFrameDecoder) Decode(payload []byte) (pipeline.Frame, error) {
	data := make([]byte, d.Width*d.Height*3)
	copy(data, payload)
	return pipeline.Frame{Width: d.Width, Height: d.Height, Data: data}, nil
}

// remoteTrackSource adapts a *webrtc.TrackRemote to track.RemoteVideoSource,
// reading one RTP packet per call and decoding its payload via decoder.
type remoteTrackSource struct {
	remote  *webrtc.TrackRemote
	decoder FrameDecoder
}

func (r remoteTrackSource) ReceiveFrame(_ context.Context) (pipeline.Frame, error) {
	packet, _, err := r.remote.ReadRTP()
	if err != nil {
		return pipeline.Frame{}, err
	}
	return r.decoder.Decode(packet.Payload)
}

// NewRemoteVideoSource wraps remote as a track.RemoteVideoSource,
// decoding each RTP packet's payload with decoder (§4.6: "on remote
// track arrival of kind video, invoke egressTrack.bindIngress(remoteTrack)").
func NewRemoteVideoSource(remote *webrtc.TrackRemote, decoder FrameDecoder) track.RemoteVideoSource {
	return remoteTrackSource{remote: remote, decoder: decoder}
}

// Session binds one peer connection to its egress track, ingress loop,
// data channel, and notification sender (§4.6).
type Session struct {
	ID  string
	log zerolog.Logger

	pc       *webrtc.PeerConnection
	egress   EgressTrack
	frameSink ParamSink
	notifier *NotificationSender

	mu          sync.Mutex
	ingress     *track.Ingress
	dataChannel DataChannel
	closed      bool
}

// New constructs a Session. notifier must already be wired as the
// Notify callback of the frame processor backing egress, so that
// stream_stopped notifications reach the client (§4.6).
func New(pc *webrtc.PeerConnection, egress EgressTrack, frameSink ParamSink, notifier *NotificationSender) *Session {
	id := uuid.NewString()
	return &Session{
		ID:        id,
		log:       log.With().Str("component", "session").Str("session_id", id).Logger(),
		pc:        pc,
		egress:    egress,
		frameSink: frameSink,
		notifier:  notifier,
	}
}

// Notifier returns the session's notification sender.
func (s *Session) Notifier() *NotificationSender { return s.notifier }

// PeerConnection returns the underlying peer connection.
func (s *Session) PeerConnection() *webrtc.PeerConnection { return s.pc }

// BindRemoteTrack wires an arrived remote video track's ingress loop to
// the session's egress track (§4.6: "on remote track arrival of kind
// video, invoke egressTrack.bindIngress(remoteTrack)").
func (s *Session) BindRemoteTrack(ingress *track.Ingress) {
	s.mu.Lock()
	s.ingress = ingress
	s.mu.Unlock()
	s.egress.BindIngress(ingress)
}

// AttachDataChannel remembers dc, wires its open/message handlers, and
// sets it on the notification sender, which flushes any buffered
// notifications (§4.6).
func (s *Session) AttachDataChannel(dc *webrtc.DataChannel) {
	s.mu.Lock()
	s.dataChannel = dc
	s.mu.Unlock()
	s.notifier.SetDataChannel(dc)

	dc.OnOpen(func() {
		s.log.Info().Msg("data channel opened")
		s.notifier.Flush()
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		s.handleDataChannelMessage(msg.Data)
	})
}

// handleDataChannelMessage applies an inbound parameter bag (§4.6, §6).
// Malformed JSON is logged and dropped, never surfaced to the caller.
func (s *Session) handleDataChannelMessage(data []byte) {
	var bag map[string]any
	if err := json.Unmarshal(data, &bag); err != nil {
		s.log.Error().Err(err).Msg("failed to parse parameter update message")
		return
	}
	s.log.Info().Interface("parameters", bag).Msg("received parameter update")

	if paused, ok := bag[pipeline.ParamPaused]; ok {
		if b, ok := paused.(bool); ok {
			s.egress.SetPaused(b)
		}
	}
	if s.frameSink != nil {
		s.frameSink.UpdateParameters(pipeline.ParameterBag(bag))
	}
}

// RunEgressLoop drains paced frames from the egress track, encodes them,
// and writes them to sink until Recv returns an error (peer connection
// gone, session closing, or context cancellation). Intended to run on
// its own goroutine, one per session.
func (s *Session) RunEgressLoop(ctx context.Context, sink MediaSink, encoder FrameEncoder) {
	var lastTimestamp uint32
	haveLast := false

	for {
		paced, err := s.egress.Recv(ctx)
		if err != nil {
			s.log.Debug().Err(err).Msg("egress loop stopping")
			return
		}

		data, err := encoder.Encode(paced.Frame)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to encode outbound frame")
			continue
		}

		var duration time.Duration
		if !haveLast {
			duration = time.Duration(float64(time.Second) / frameproc.DefaultFPS)
			haveLast = true
		} else {
			deltaTicks := paced.Timestamp - lastTimestamp
			duration = time.Duration(float64(deltaTicks) / track.VideoClockRate * float64(time.Second))
		}
		lastTimestamp = paced.Timestamp

		if err := sink.WriteSample(data, duration); err != nil {
			s.log.Error().Err(err).Msg("failed to write outbound sample")
		}
	}
}

// Close is idempotent: stops the egress track (which stops the frame
// processor and the bound ingress loop), then closes the peer
// connection unless it is already closed or failed (§4.6).
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.egress.Stop()
	s.notifier.Close()

	if s.pc != nil {
		state := s.pc.ConnectionState()
		if state != webrtc.PeerConnectionStateClosed && state != webrtc.PeerConnectionStateFailed {
			if err := s.pc.Close(); err != nil {
				s.log.Error().Err(err).Msg("error closing peer connection")
			}
		}
	}
	s.log.Info().Msg("session closed")
}
