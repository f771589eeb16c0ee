package upgrade

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func setVersion(t *testing.T, db *sql.DB, version uint, dirty bool) {
	t.Helper()
	_, err := db.Exec("CREATE TABLE IF NOT EXISTS schema_migrations (version BIGINT NOT NULL, dirty BOOLEAN NOT NULL)")
	require.NoError(t, err)
	_, err = db.Exec("DELETE FROM schema_migrations")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO schema_migrations (version, dirty) VALUES (?, ?)", version, dirty)
	require.NoError(t, err)
}

func TestCheckSchema_FreshDatabase(t *testing.T) {
	s, err := CheckSchema(context.Background(), openDB(t))
	require.NoError(t, err)
	assert.True(t, s.NeedsMigration)
	assert.ErrorIs(t, s.Err(), ErrSchemaOutdated)
	assert.Contains(t, FormatError(s), "migrate up")
}

func TestCheckSchema_Versions(t *testing.T) {
	tests := []struct {
		name    string
		version uint
		dirty   bool
		wantErr error
	}{
		{"current", RequiredSchemaVersion, false, nil},
		{"ahead", RequiredSchemaVersion + 1, false, ErrSchemaAhead},
		{"dirty", RequiredSchemaVersion, true, ErrSchemaDirty},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := openDB(t)
			setVersion(t, db, tt.version, tt.dirty)

			s, err := CheckSchema(context.Background(), db)
			require.NoError(t, err)
			assert.Equal(t, tt.version, s.CurrentVersion)
			if tt.wantErr == nil {
				assert.True(t, s.Compatible)
				assert.NoError(t, s.Err())
				return
			}
			assert.ErrorIs(t, s.Err(), tt.wantErr)
			assert.NotEmpty(t, FormatError(s))
		})
	}
}
