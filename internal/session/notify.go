package session

import (
	"encoding/json"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DataChannel is the subset of *webrtc.DataChannel the notification
// sender needs.
type DataChannel interface {
	ReadyState() webrtc.DataChannelState
	SendText(text string) error
}

// NotificationSender delivers backward notifications to the client over
// a session's data channel (§4.8, C8). It owns a single dispatcher
// goroutine standing in for the scheduling domain that owns the data
// channel: every send is funneled through it, so notifications enqueued
// before the channel opens are delivered in enqueue order once it does.
type NotificationSender struct {
	log zerolog.Logger

	mu      sync.Mutex
	dc      DataChannel
	pending []any

	postCh   chan func()
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewNotificationSender starts the sender's dispatcher goroutine.
func NewNotificationSender() *NotificationSender {
	s := &NotificationSender{
		log:    log.With().Str("component", "session.notify").Logger(),
		postCh: make(chan func(), 32),
		doneCh: make(chan struct{}),
	}
	go s.dispatchLoop()
	return s
}

func (s *NotificationSender) dispatchLoop() {
	defer close(s.doneCh)
	for fn := range s.postCh {
		fn()
	}
}

// post schedules fn on the dispatcher goroutine. If the dispatcher's
// backlog is saturated it runs fn synchronously rather than drop a
// notification.
func (s *NotificationSender) post(fn func()) {
	select {
	case s.postCh <- fn:
	default:
		fn()
	}
}

// Send delivers msg if the data channel is open, otherwise buffers it
// for the next Flush.
func (s *NotificationSender) Send(msg any) {
	s.mu.Lock()
	dc := s.dc
	s.mu.Unlock()

	if dc != nil && dc.ReadyState() == webrtc.DataChannelStateOpen {
		s.post(func() { s.deliver(dc, msg) })
		return
	}

	s.log.Info().Interface("message", msg).Msg("data channel not ready, queuing notification")
	s.mu.Lock()
	s.pending = append(s.pending, msg)
	s.mu.Unlock()
}

// deliver marshals and sends msg. If the channel isn't actually open yet
// (SetDataChannel can run ahead of the "open" event), the message is put
// back on the pending queue for the next Flush instead of being dropped.
func (s *NotificationSender) deliver(dc DataChannel, msg any) {
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		s.mu.Lock()
		s.pending = append(s.pending, msg)
		s.mu.Unlock()
		return
	}
	data, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal notification")
		return
	}
	if err := dc.SendText(string(data)); err != nil {
		s.log.Error().Err(err).Msg("failed to send notification")
		return
	}
	s.log.Debug().Interface("message", msg).Msg("sent notification")
}

// SetDataChannel binds dc and flushes any buffered notifications.
func (s *NotificationSender) SetDataChannel(dc DataChannel) {
	s.mu.Lock()
	s.dc = dc
	s.mu.Unlock()
	s.Flush()
}

// Flush drains pending notifications in FIFO order through the
// dispatcher. Safe to call whether or not any are pending.
func (s *NotificationSender) Flush() {
	s.mu.Lock()
	dc := s.dc
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if dc == nil || len(pending) == 0 {
		return
	}
	s.log.Info().Int("count", len(pending)).Msg("flushing pending notifications")
	for _, msg := range pending {
		m := msg
		s.post(func() { s.deliver(dc, m) })
	}
}

// Close stops the dispatcher goroutine. Idempotent.
func (s *NotificationSender) Close() {
	s.stopOnce.Do(func() {
		close(s.postCh)
	})
}
