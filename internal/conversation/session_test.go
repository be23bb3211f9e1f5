package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerLifecycle(t *testing.T) {
	m := NewManager()

	s := m.Create([]string{"b", "a", "b", ""})
	assert.Equal(t, []string{"a", "b"}, s.Datasets)
	assert.Equal(t, StateIdle, s.State())

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.True(t, s.appendTurn(0, Turn{Question: "q", Answer: "a"}))
	require.NoError(t, m.Reset(s.ID))
	assert.Empty(t, s.Turns())
	assert.Equal(t, []string{"a", "b"}, s.Datasets)

	other := m.Create(nil)
	assert.NotEqual(t, s.ID, other.ID)
	assert.Len(t, m.List(), 2)

	require.NoError(t, m.Delete(s.ID))
	_, err = m.Get(s.ID)
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.ErrorIs(t, m.Reset(s.ID), ErrSessionNotFound)
	assert.ErrorIs(t, m.Delete(s.ID), ErrSessionNotFound)
}

func TestTurnsReturnsCopy(t *testing.T) {
	s := NewManager().Create(nil)
	s.appendTurn(0, Turn{Question: "q"})

	turns := s.Turns()
	turns[0].Question = "changed"
	assert.Equal(t, "q", s.Turns()[0].Question)
}

func TestAcquireHonoursContext(t *testing.T) {
	s := NewManager().Create(nil)
	_, _, err := s.acquire(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateAwaitingAnswer, s.State())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, _, err = s.acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	s.release()
	assert.Equal(t, StateIdle, s.State())
	_, _, err = s.acquire(context.Background())
	require.NoError(t, err)
	s.release()
}

func TestResetCancelsTurnInFlight(t *testing.T) {
	m := NewManager()
	s := m.Create([]string{"fp"})

	turnCtx, epoch, err := s.acquire(context.Background())
	require.NoError(t, err)

	require.NoError(t, m.Reset(s.ID))
	assert.ErrorIs(t, turnCtx.Err(), context.Canceled)
	assert.False(t, s.current(epoch))
	assert.False(t, s.appendTurn(epoch, Turn{Question: "late"}))
	assert.Empty(t, s.Turns())
	s.release()

	_, next, err := s.acquire(context.Background())
	require.NoError(t, err)
	assert.True(t, s.appendTurn(next, Turn{Question: "fresh"}))
	s.release()
	assert.Len(t, s.Turns(), 1)
}
