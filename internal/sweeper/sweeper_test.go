package sweeper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nextlevelbuilder/ussdgate/internal/store/sqlite"
)

type fakePurger struct {
	before time.Time
	n      int
	err    error
}

func (f *fakePurger) PurgeIdle(_ context.Context, before time.Time) (int, error) {
	f.before = before
	return f.n, f.err
}

func TestNew_Validation(t *testing.T) {
	_, err := New(&fakePurger{}, "", 0)
	assert.Error(t, err)

	_, err = New(&fakePurger{}, "not a cron", time.Hour)
	assert.Error(t, err)

	s, err := New(&fakePurger{}, "", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, DefaultSchedule, s.expr)
}

func TestSweepOnce_UsesCutoff(t *testing.T) {
	p := &fakePurger{n: 3}
	s, err := New(p, "", 2*time.Hour)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.SweepOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, now.Add(-2*time.Hour), p.before)

	p.err = errors.New("store down")
	_, err = s.SweepOnce(context.Background())
	assert.ErrorIs(t, err, p.err)
}

func TestNext(t *testing.T) {
	s, err := New(&fakePurger{}, "*/15 * * * *", time.Hour)
	require.NoError(t, err)

	next, err := s.Next(time.Date(2026, 3, 1, 12, 7, 30, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 15, 0, 0, time.UTC), next)
}

func TestRun_StopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	s, err := New(&fakePurger{}, "0 0 1 1 *", time.Hour)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
}

func TestSweepOnce_SQLiteStore(t *testing.T) {
	ctx := context.Background()
	st, err := sqlite.Open(ctx, t.TempDir()+"/sessions.db")
	require.NoError(t, err)
	defer st.Close()

	require.NoError(t, st.SetApp(ctx, "555", "bridgecap"))

	s, err := New(st, "", time.Hour)
	require.NoError(t, err)

	n, err := s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "fresh session is kept")

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err = s.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Get(ctx, "555")
	require.NoError(t, err)
	assert.Nil(t, got)
}
