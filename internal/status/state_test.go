package status

import (
	"errors"
	"testing"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allStates = []State{Booting, Connecting, Preloading, Ready, Offline, Error}

func TestCanMoveToMatrix(t *testing.T) {
	allowed := map[[2]State]bool{
		{Booting, Connecting}:    true,
		{Booting, Offline}:       true,
		{Connecting, Preloading}: true,
		{Connecting, Ready}:      true,
		{Connecting, Offline}:    true,
		{Preloading, Ready}:      true,
		{Preloading, Offline}:    true,
		{Ready, Offline}:         true,
		{Offline, Connecting}:    true,
		{Error, Booting}:         true,
	}
	for _, from := range allStates {
		if from != Error {
			allowed[[2]State{from, Error}] = true
		}
	}

	for _, from := range allStates {
		for _, to := range allStates {
			assert.Equal(t, allowed[[2]State{from, to}], from.CanMoveTo(to), "%s -> %s", from, to)
		}
	}
}

func TestRejectedTransitionKeepsState(t *testing.T) {
	m := NewMachine(nil)
	before := m.Snapshot()

	err := m.Transition(Ready)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))

	var te *TransitionError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, Booting, te.From)
	assert.Equal(t, Ready, te.To)
	assert.Equal(t, before, m.Snapshot())
}

func TestTransitionPublishesChange(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m.nowFn = func() time.Time { return at }

	require.NoError(t, m.Transition(Connecting))

	evt := <-ch
	assert.Equal(t, bus.DaemonStatusChanged, evt.Kind)
	assert.Equal(t, StatusChange{From: Booting, To: Connecting, At: at}, evt.Payload)
	assert.Equal(t, Snapshot{State: Connecting, Since: at}, m.Snapshot())
}

func TestLifecycles(t *testing.T) {
	tests := []struct {
		name  string
		steps []State
	}{
		{"cold start", []State{Connecting, Preloading, Ready}},
		{"start offline", []State{Offline, Connecting, Preloading, Ready}},
		{"drop and recover", []State{Connecting, Ready, Offline, Connecting, Preloading, Ready}},
		{"restart after error", []State{Connecting, Error, Booting, Connecting}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMachine(nil)
			for _, s := range tt.steps {
				require.NoError(t, m.Transition(s), "from %s", m.Current())
			}
			assert.Equal(t, tt.steps[len(tt.steps)-1], m.Current())
		})
	}
}

func TestOfflineCannotSkipConnecting(t *testing.T) {
	m := NewMachine(nil)
	require.NoError(t, m.Transition(Offline))
	assert.Error(t, m.Transition(Ready))
	assert.Error(t, m.Transition(Preloading))
	assert.Equal(t, Offline, m.Current())
}
