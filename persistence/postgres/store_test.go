package postgres

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/persistence/storetest"
)

// DICOMSCP_TEST_POSTGRES_DSN points at a scratch database; the table is
// dropped before every subtest.
func TestStore(t *testing.T) {
	dsn := os.Getenv("DICOMSCP_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DICOMSCP_TEST_POSTGRES_DSN not set")
	}
	storetest.Run(t, func(t *testing.T) instance.Store {
		ctx := context.Background()
		s, err := Open(ctx, dsn)
		require.NoError(t, err)
		_, err = s.DB().ExecContext(ctx, `DROP TABLE IF EXISTS dicom_receivers`)
		require.NoError(t, err)
		require.NoError(t, s.Close())

		s, err = Open(ctx, dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestIsUniqueViolation(t *testing.T) {
	assert.True(t, isUniqueViolation(&pgconn.PgError{Code: "23505"}))
	assert.True(t, isUniqueViolation(errors.Join(errors.New("insert"), &pgconn.PgError{Code: "23505"})))
	assert.False(t, isUniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, isUniqueViolation(errors.New("23505")))
}
