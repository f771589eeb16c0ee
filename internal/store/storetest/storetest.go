// Package storetest holds a behaviour suite shared by every
// store.SessionStore backend.
package storetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
)

// Run exercises a fresh, empty store produced by newStore.
func Run(t *testing.T, newStore func(t *testing.T) store.SessionStore) {
	t.Run("app defaults to welcome", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		app, err := s.GetApp(ctx, "555")
		require.NoError(t, err)
		assert.Empty(t, app)

		require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
		require.NoError(t, s.SetApp(ctx, "555", "icea"))
		app, err = s.GetApp(ctx, "555")
		require.NoError(t, err)
		assert.Equal(t, "icea", app)
	})

	t.Run("init only when absent", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		_, ok, err := s.GetSessionID(ctx, "555")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
		_, ok, err = s.GetSessionID(ctx, "555")
		require.NoError(t, err)
		assert.False(t, ok, "setting the app does not create a session id")

		require.NoError(t, s.InitSessionID(ctx, "555", store.DefaultSessionSeed))
		require.NoError(t, s.InitSessionID(ctx, "555", 42))

		id, ok, err := s.GetSessionID(ctx, "555")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, store.DefaultSessionSeed, id)
	})

	t.Run("increment returns new value", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.InitSessionID(ctx, "555", store.DefaultSessionSeed))
		for want := int64(100000002); want <= 100000004; want++ {
			got, err := s.IncrementSessionID(ctx, "555")
			require.NoError(t, err)
			assert.Equal(t, want, got)
		}

		got, err := s.IncrementSessionID(ctx, "fresh")
		require.NoError(t, err)
		assert.Equal(t, int64(1), got, "unset id counts from zero")
	})

	t.Run("concurrent increments are not lost", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.InitSessionID(ctx, "555", 0))

		const n = 20
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.IncrementSessionID(ctx, "555")
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		id, _, err := s.GetSessionID(ctx, "555")
		require.NoError(t, err)
		assert.Equal(t, int64(n), id)
	})

	t.Run("get and reset", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		sess, err := s.Get(ctx, "555")
		require.NoError(t, err)
		assert.Nil(t, sess)

		require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
		sess, err = s.Get(ctx, "555")
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Equal(t, "555", sess.ChatKey)
		assert.Equal(t, "bridgecap", sess.App)
		assert.Nil(t, sess.SessionID)
		assert.False(t, sess.Updated.IsZero())

		require.NoError(t, s.Reset(ctx, "555"))
		sess, err = s.Get(ctx, "555")
		require.NoError(t, err)
		assert.Nil(t, sess, "a chat that never started is removed")
	})

	t.Run("reset keeps the session id", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
		require.NoError(t, s.InitSessionID(ctx, "555", store.DefaultSessionSeed))
		first, err := s.IncrementSessionID(ctx, "555")
		require.NoError(t, err)

		require.NoError(t, s.Reset(ctx, "555"))
		app, err := s.GetApp(ctx, "555")
		require.NoError(t, err)
		assert.Empty(t, app)

		require.NoError(t, s.InitSessionID(ctx, "555", store.DefaultSessionSeed))
		next, err := s.IncrementSessionID(ctx, "555")
		require.NoError(t, err)
		assert.Greater(t, next, first)
	})

	t.Run("purge idle", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
		require.NoError(t, s.SetApp(ctx, "777", "icea"))
		require.NoError(t, s.InitSessionID(ctx, "777", store.DefaultSessionSeed))
		first, err := s.IncrementSessionID(ctx, "777")
		require.NoError(t, err)

		n, err := s.PurgeIdle(ctx, time.Now().Add(-time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n)

		n, err = s.PurgeIdle(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		sess, err := s.Get(ctx, "555")
		require.NoError(t, err)
		assert.Nil(t, sess)

		sess, err = s.Get(ctx, "777")
		require.NoError(t, err)
		require.NotNil(t, sess)
		assert.Empty(t, sess.App)
		require.NotNil(t, sess.SessionID)
		assert.Equal(t, first, *sess.SessionID)

		n, err = s.PurgeIdle(ctx, time.Now().Add(time.Hour))
		require.NoError(t, err)
		assert.Zero(t, n, "a reset chat is not counted again")
	})
}
