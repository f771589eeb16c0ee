package pg

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/ussdgate/internal/store"
	"github.com/nextlevelbuilder/ussdgate/internal/store/storetest"
)

// Requires a database migrated with `ussdgate migrate up`.
func TestPGSessionStore(t *testing.T) {
	dsn := os.Getenv("USSDGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("USSDGATE_TEST_POSTGRES_DSN not set")
	}

	storetest.Run(t, func(t *testing.T) store.SessionStore {
		ctx := context.Background()
		s, err := Open(ctx, store.StoreConfig{PostgresDSN: dsn})
		require.NoError(t, err)
		_, err = s.db.ExecContext(ctx, `TRUNCATE chat_sessions`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpenDB_EmptyDSN(t *testing.T) {
	_, err := OpenDB(context.Background(), "")
	require.Error(t, err)
}
