package call

import (
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/meszmate/orekh/internal/notify"
)

// DefaultRingInterval is the pause between repeated call alerts.
const DefaultRingInterval = 4 * time.Second

// bel is the terminal bell.
var bel = []byte{'\a'}

// Ringer is an Alerter that rings the terminal bell at once and then
// repeats the bell and a call notification every Interval until the call
// is answered or ends.
type Ringer struct {
	Notifier notify.Notifier
	// Bell receives one BEL per ring; nil keeps the alert silent.
	Bell     io.Writer
	Interval time.Duration
	Logger   *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// StartRinging replaces any ringing already in progress.
func (r *Ringer) StartRinging(s Session) {
	r.StopRinging()

	interval := r.Interval
	if interval <= 0 {
		interval = DefaultRingInterval
	}
	stop, done := make(chan struct{}), make(chan struct{})
	r.mu.Lock()
	r.stop, r.done = stop, done
	r.mu.Unlock()

	note := notify.Notification{
		Kind:         notify.KindCall,
		Title:        "Call from " + s.Peer.String(),
		Body:         fmt.Sprintf("%s call ringing, :accept or :reject", s.Media),
		Conversation: s.Peer.String(),
	}
	r.ring()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				r.ring()
				if r.Notifier != nil {
					r.Notifier.Notify(note)
				}
			}
		}
	}()
}

// StopRinging silences the alert and waits for the ringing loop to exit.
// It is a no-op when nothing rings.
func (r *Ringer) StopRinging() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}

func (r *Ringer) ring() {
	if r.Bell == nil {
		return
	}
	if _, err := r.Bell.Write(bel); err != nil && r.Logger != nil {
		r.Logger.Debug("bell failed", zap.Error(err))
	}
}
