package notify

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hi", Truncate("  hi \n"))

	long := strings.Repeat("é", 150)
	got := Truncate(long)
	assert.Equal(t, 100, len([]rune(got)))
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestLogNotifier(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Log{Logger: zap.New(core)}.Notify(Notification{
		Kind:         KindCall,
		Title:        "Incoming call",
		Body:         "bob@example.com",
		Conversation: "bob@example.com",
	})

	entries := logs.FilterMessage("notification").All()
	if assert.Len(t, entries, 1) {
		fields := entries[0].ContextMap()
		assert.Equal(t, "call", fields["kind"])
		assert.Equal(t, "bob@example.com", fields["conversation"])
	}

	// A nil logger is tolerated.
	Log{}.Notify(Notification{Kind: KindMessage})
	Nop{}.Notify(Notification{Kind: KindMessage})
}
