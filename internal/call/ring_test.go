package call

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"

	"github.com/meszmate/orekh/internal/notify"
	"github.com/meszmate/orekh/internal/xmpp/jingle"
)

// bell counts BEL writes.
type bell struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *bell) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bell) Rings() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return bytes.Count(b.buf.Bytes(), []byte{'\a'})
}

func (r *recordingNotifier) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.got)
}

func TestRingerRepeatsUntilStopped(t *testing.T) {
	n := &recordingNotifier{}
	b := &bell{}
	r := &Ringer{Notifier: n, Bell: b, Interval: 10 * time.Millisecond}

	r.StartRinging(Session{ID: "c1", Peer: jid.MustParse("bob@example.com"), Media: jingle.MediaVideo})
	assert.GreaterOrEqual(t, b.Rings(), 1, "first ring is immediate")

	require.Eventually(t, func() bool { return n.Len() >= 2 }, time.Second, 5*time.Millisecond)
	r.StopRinging()

	rings, notes := b.Rings(), n.Len()
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, rings, b.Rings())
	assert.Equal(t, notes, n.Len())

	n.mu.Lock()
	got := n.got[0]
	n.mu.Unlock()
	assert.Equal(t, notify.KindCall, got.Kind)
	assert.Equal(t, "bob@example.com", got.Conversation)
	assert.Contains(t, got.Body, "video")
}

func TestRingerStopWithoutStartIsNoop(t *testing.T) {
	r := &Ringer{}
	r.StopRinging()

	// A silent ringer with no notifier still starts and stops cleanly.
	r.StartRinging(Session{ID: "c1", Peer: jid.MustParse("bob@example.com")})
	r.StartRinging(Session{ID: "c2", Peer: jid.MustParse("carol@example.com")})
	r.StopRinging()
	r.StopRinging()
}

func TestManagerRingsThroughRinger(t *testing.T) {
	n := &recordingNotifier{}
	b := &bell{}
	r := &Ringer{Notifier: n, Bell: b, Interval: time.Hour}
	m := NewManager(&fakeTransport{}, locator{}, Config{Timeout: time.Second, Alerter: r, Notifier: n})
	m.Bind(context.Background(), own)

	m.Handle(offerFrom("bob@example.com/phone", "call_in"))
	assert.Equal(t, 1, b.Rings())

	require.NoError(t, m.Reject("call_in"))
	r.mu.Lock()
	ringing := r.stop != nil
	r.mu.Unlock()
	assert.False(t, ringing)
}
