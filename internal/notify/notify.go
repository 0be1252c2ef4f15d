// Package notify delivers user-facing alerts for incoming messages and
// calls. Delivery is fire and forget: failures are logged, never returned.
package notify

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Kind is what a notification is about.
type Kind string

const (
	KindMessage Kind = "message"
	KindCall    Kind = "call"
)

// maxBody is the longest body shown in a notification, in runes.
const maxBody = 100

// Notification is one alert.
type Notification struct {
	Kind  Kind
	Title string
	Body  string
	// Conversation is the bare address the alert refers to.
	Conversation string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(n Notification)
}

// Nop discards notifications.
type Nop struct{}

func (Nop) Notify(Notification) {}

// Log writes notifications to a logger.
type Log struct {
	Logger *zap.Logger
}

func (l Log) Notify(n Notification) {
	if l.Logger == nil {
		return
	}
	l.Logger.Info("notification",
		zap.String("kind", string(n.Kind)),
		zap.String("conversation", n.Conversation),
		zap.String("title", n.Title),
		zap.String("body", Truncate(n.Body)))
}

// Desktop shows notifications with the platform's notifier: notify-send on
// Linux and osascript on macOS. Other platforms fall back to the logger.
type Desktop struct {
	Logger  *zap.Logger
	Timeout time.Duration
	// AppName is shown as the title of message alerts without one.
	AppName string
}

func (d Desktop) Notify(n Notification) {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	title := n.Title
	if title == "" {
		title = d.AppName
	}
	body := Truncate(n.Body)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		cmd := command(ctx, n.Kind, title, body)
		if cmd == nil {
			Log{Logger: logger}.Notify(n)
			return
		}
		if err := cmd.Run(); err != nil {
			logger.Debug("desktop notification failed", zap.Error(err))
		}
	}()
}

func command(ctx context.Context, kind Kind, title, body string) *exec.Cmd {
	switch runtime.GOOS {
	case "darwin":
		script := fmt.Sprintf(`display notification %q with title %q`, body, title)
		return exec.CommandContext(ctx, "osascript", "-e", script)
	case "linux":
		urgency := "normal"
		if kind == KindCall {
			urgency = "critical"
		}
		return exec.CommandContext(ctx, "notify-send", "-u", urgency, title, body)
	default:
		return nil
	}
}

// Truncate shortens s to the notification body limit.
func Truncate(s string) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= maxBody {
		return s
	}
	return string(r[:maxBody-3]) + "..."
}
