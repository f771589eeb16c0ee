package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
	"github.com/nextlevelbuilder/ussdgate/internal/store/storetest"
)

func TestSessionStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.SessionStore {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "sessions.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSessionStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "sessions.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.SetApp(ctx, "555", "bridgecap"))
	require.NoError(t, s.InitSessionID(ctx, "555", store.DefaultSessionSeed))
	_, err = s.IncrementSessionID(ctx, "555")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	app, err := s.GetApp(ctx, "555")
	require.NoError(t, err)
	require.Equal(t, "bridgecap", app)

	id, ok, err := s.GetSessionID(ctx, "555")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100000002), id)
}

func TestOpen_EmptyPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
