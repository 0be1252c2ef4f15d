package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meszmate/orekh/internal/events"
)

func TestMachineInitialState(t *testing.T) {
	m := newMachine(&events.Feed[ConnectionStatus]{})
	assert.Equal(t, Disconnected, m.Current())
}

func TestMachineValidTransitions(t *testing.T) {
	feed := &events.Feed[ConnectionStatus]{}
	var got []ConnectionStatus
	feed.Subscribe(func(s ConnectionStatus) { got = append(got, s) })

	m := newMachine(feed)
	require.NoError(t, m.Transition(Connecting, nil, 0))
	require.NoError(t, m.Transition(Online, nil, 0))
	require.NoError(t, m.Transition(Disconnected, nil, 0))
	require.NoError(t, m.Transition(Failed, nil, 0))
	require.NoError(t, m.Transition(Connecting, nil, 0))

	require.Len(t, got, 5)
	assert.Equal(t, Online, got[1].State)
	assert.Equal(t, Connecting, got[1].From)
}

func TestMachineInvalidTransition(t *testing.T) {
	m := newMachine(&events.Feed[ConnectionStatus]{})

	err := m.Transition(Online, nil, 0)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid transition")
	assert.Equal(t, Disconnected, m.Current())

	require.NoError(t, m.Transition(Connecting, nil, 0))
	require.NoError(t, m.Transition(Online, nil, 0))
	assert.Error(t, m.Transition(Connecting, nil, 0))
}
