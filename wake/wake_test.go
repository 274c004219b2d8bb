package wake

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/errors"
)

func TestSleepUntilResolvesNoEarlier(t *testing.T) {
	s := New()
	target := time.Now().Add(30 * time.Millisecond)

	ch, err := s.SleepUntil("a", target)
	require.NoError(t, err)

	fired := <-ch
	assert.False(t, fired.Before(target), "fired %v before target %v", fired, target)
	assert.Equal(t, 0, s.Len())
}

func TestSleepUntilPastTimeResolvesImmediately(t *testing.T) {
	s := New()
	ch, err := s.SleepUntil("a", time.Now().Add(-time.Second))
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timer for past deadline did not fire")
	}
}

func TestDoubleRegistrationFailsLoudly(t *testing.T) {
	s := New()
	_, err := s.SleepUntil("a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	_, err = s.SleepUntil("a", time.Now().Add(time.Minute))
	require.Error(t, err)
	assert.True(t, errors.HasAssertionFailure(err))
}

func TestUpdateIfEarlierMovesWakeup(t *testing.T) {
	s := New()
	early := time.Now().Add(40 * time.Millisecond)

	ch, err := s.SleepUntil("a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, s.UpdateIfEarlier("a", early))

	select {
	case fired := <-ch:
		assert.False(t, fired.Before(early))
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled timer did not fire")
	}
}

func TestUpdateIfEarlierRejectsLaterTime(t *testing.T) {
	s := New()
	at := time.Now().Add(50 * time.Millisecond)
	_, err := s.SleepUntil("a", at)
	require.NoError(t, err)

	assert.False(t, s.UpdateIfEarlier("a", at.Add(time.Hour)), "later time must be a no-op")
	assert.False(t, s.UpdateIfEarlier("a", at), "equal time must be a no-op")
	assert.False(t, s.UpdateIfEarlier("missing", time.Now()), "unknown id must be a no-op")
}

func TestCancelResolvesWaiter(t *testing.T) {
	s := New()
	ch, err := s.SleepUntil("a", time.Now().Add(time.Hour))
	require.NoError(t, err)

	assert.True(t, s.Cancel("a"))
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("cancelled timer did not resolve its waiter")
	}
	assert.False(t, s.Cancel("a"), "second cancel finds nothing")
}

func TestIndependentIDs(t *testing.T) {
	s := New()
	chA, err := s.SleepUntil("a", time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)
	chB, err := s.SleepUntil("b", time.Now().Add(time.Hour))
	require.NoError(t, err)

	<-chA
	select {
	case <-chB:
		t.Fatal("unrelated timer fired")
	default:
	}
	assert.Equal(t, 1, s.Len())
}
