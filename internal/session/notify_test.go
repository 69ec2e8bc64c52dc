package session

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDataChannel struct {
	mu    sync.Mutex
	open  bool
	sent  []string
	fail  bool
}

func (f *fakeDataChannel) ReadyState() webrtc.DataChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.open {
		return webrtc.DataChannelStateOpen
	}
	return webrtc.DataChannelStateConnecting
}

func (f *fakeDataChannel) SendText(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return assertErr
	}
	f.sent = append(f.sent, text)
	return nil
}

func (f *fakeDataChannel) setOpen(v bool) {
	f.mu.Lock()
	f.open = v
	f.mu.Unlock()
}

func (f *fakeDataChannel) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

var assertErr = &sendError{}

type sendError struct{}

func (*sendError) Error() string { return "send failed" }

func TestNotificationSender_QueuesBeforeChannelAndFlushesInOrder(t *testing.T) {
	sender := NewNotificationSender()
	defer sender.Close()

	sender.Send(map[string]any{"type": "a"})
	sender.Send(map[string]any{"type": "b"})
	sender.Send(map[string]any{"type": "c"})

	dc := &fakeDataChannel{open: true}
	sender.SetDataChannel(dc)

	require.Eventually(t, func() bool { return len(dc.messages()) == 3 }, time.Second, time.Millisecond)

	msgs := dc.messages()
	for i, want := range []string{"a", "b", "c"} {
		var decoded map[string]any
		require.NoError(t, json.Unmarshal([]byte(msgs[i]), &decoded))
		assert.Equal(t, want, decoded["type"])
	}
}

func TestNotificationSender_SendsImmediatelyWhenOpen(t *testing.T) {
	sender := NewNotificationSender()
	defer sender.Close()

	dc := &fakeDataChannel{open: true}
	sender.SetDataChannel(dc)

	sender.Send(map[string]any{"type": "stream_stopped"})

	require.Eventually(t, func() bool { return len(dc.messages()) == 1 }, time.Second, time.Millisecond)
}

func TestNotificationSender_RequeuesWhenChannelNotYetOpen(t *testing.T) {
	sender := NewNotificationSender()
	defer sender.Close()

	dc := &fakeDataChannel{open: false}
	sender.SetDataChannel(dc) // bound but not open: flush should be a no-op send-wise

	sender.Send(map[string]any{"type": "early"})
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, dc.messages())

	dc.setOpen(true)
	sender.Flush()

	require.Eventually(t, func() bool { return len(dc.messages()) == 1 }, time.Second, time.Millisecond)
}
