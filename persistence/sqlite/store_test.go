package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/persistence/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) instance.Store {
		s, err := Open(context.Background(), filepath.Join(t.TempDir(), "nested", "config.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "config.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	saved, err := s.Save(ctx, instance.Instance{AETitle: "XNAT", Port: 8104, Enabled: true})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	require.Equal(t, "XNAT", got.AETitle)

	_, err = s.Save(ctx, instance.Instance{AETitle: "XNAT", Port: 8104, Enabled: true})
	require.ErrorIs(t, err, instance.ErrDuplicateKey)
}

func TestOpen_InMemory(t *testing.T) {
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	_, err = s.Save(context.Background(), instance.Instance{AETitle: "A", Port: 104})
	require.NoError(t, err)
}
