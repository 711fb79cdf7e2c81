// Package storetest holds the behaviour every instance.Store must share.
package storetest

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/instance"
)

// Run exercises a store created fresh for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) instance.Store) {
	t.Run("SaveAssignsIDAndTimestamps", func(t *testing.T) { testSave(t, newStore(t)) })
	t.Run("UpdateKeepsCreated", func(t *testing.T) { testUpdate(t, newStore(t)) })
	t.Run("DuplicateEnabledKey", func(t *testing.T) { testDuplicate(t, newStore(t)) })
	t.Run("DisabledMayShareKey", func(t *testing.T) { testDisabledShare(t, newStore(t)) })
	t.Run("Queries", func(t *testing.T) { testQueries(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("ReplaceAll", func(t *testing.T) { testReplaceAll(t, newStore(t)) })
	t.Run("NotFound", func(t *testing.T) { testNotFound(t, newStore(t)) })
}

var ignoreTimes = cmpopts.IgnoreFields(instance.Instance{}, "ID", "Created", "LastModified")

func xnat(port int, enabled bool) instance.Instance {
	return instance.Instance{
		AETitle:              "XNAT",
		Port:                 port,
		IdentifierStrategy:   "uid",
		Enabled:              enabled,
		CustomProcessing:     true,
		AnonymizationEnabled: true,
		WhitelistEnabled:     true,
		Whitelist:            []string{"CT1", "@10.0.0.1"},
	}
}

func testSave(t *testing.T, s instance.Store) {
	ctx := context.Background()
	in := xnat(8104, true)
	in.RoutingExpressionsEnabled = true
	in.ProjectRoutingExpression = `(0008,1030):(\w+)`

	saved, err := s.Save(ctx, in)
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
	assert.False(t, saved.Created.IsZero())
	assert.Equal(t, saved.Created, saved.LastModified)

	got, err := s.Get(ctx, saved.ID)
	require.NoError(t, err)
	if diff := cmp.Diff(in, got, ignoreTimes); diff != "" {
		t.Errorf("Get() mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, saved.Created.Equal(got.Created), "created %v != %v", saved.Created, got.Created)
}

func testUpdate(t *testing.T, s instance.Store) {
	ctx := context.Background()
	saved, err := s.Save(ctx, xnat(8104, true))
	require.NoError(t, err)

	saved.Port = 8105
	saved.Whitelist = nil
	updated, err := s.Save(ctx, saved)
	require.NoError(t, err)
	assert.Equal(t, saved.ID, updated.ID)
	assert.Equal(t, 8105, updated.Port)
	assert.Nil(t, updated.Whitelist)
	assert.True(t, saved.Created.Equal(updated.Created))
}

func testDuplicate(t *testing.T, s instance.Store) {
	ctx := context.Background()
	a, err := s.Save(ctx, xnat(8104, true))
	require.NoError(t, err)

	_, err = s.Save(ctx, xnat(8104, true))
	require.ErrorIs(t, err, instance.ErrDuplicateKey)

	c, err := s.Save(ctx, xnat(8104, false))
	require.NoError(t, err)
	c.Enabled = true
	_, err = s.Save(ctx, c)
	require.ErrorIs(t, err, instance.ErrDuplicateKey)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	got, err := s.GetByTitleAndPort(ctx, "XNAT", 8104)
	require.NoError(t, err)
	assert.Equal(t, a.ID, got.ID)

	// Saving an instance over itself is not a conflict.
	a.CustomProcessing = false
	_, err = s.Save(ctx, a)
	require.NoError(t, err)
}

func testDisabledShare(t *testing.T, s instance.Store) {
	ctx := context.Background()
	_, err := s.Save(ctx, xnat(8104, false))
	require.NoError(t, err)
	_, err = s.Save(ctx, xnat(8104, false))
	require.NoError(t, err)
	_, err = s.Save(ctx, xnat(8104, true))
	require.NoError(t, err)
}

func testQueries(t *testing.T, s instance.Store) {
	ctx := context.Background()
	mk := func(ae string, port int, enabled bool) instance.Instance {
		saved, err := s.Save(ctx, instance.Instance{AETitle: ae, Port: port, Enabled: enabled})
		require.NoError(t, err)
		return saved
	}
	a := mk("A", 104, true)
	mk("B", 104, false)
	c := mk("C", 104, true)
	mk("D", 11112, true)
	mk("E", 4242, false)

	ports, err := s.EnabledPorts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{104, 11112}, ports)

	enabled, err := s.ListEnabledByPort(ctx, 104)
	require.NoError(t, err)
	require.Len(t, enabled, 2)
	assert.Equal(t, a.ID, enabled[0].ID)
	assert.Equal(t, c.ID, enabled[1].ID)

	none, err := s.ListEnabledByPort(ctx, 4242)
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.GetByTitleAndPort(ctx, "B", 104)
	assert.ErrorIs(t, err, instance.ErrNotFound, "disabled instance returned by GetByTitleAndPort")
}

func testDelete(t *testing.T, s instance.Store) {
	ctx := context.Background()
	a, err := s.Save(ctx, xnat(104, true))
	require.NoError(t, err)
	b, err := s.Save(ctx, xnat(105, true))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, a.ID, 9999))

	_, err = s.Get(ctx, a.ID)
	assert.ErrorIs(t, err, instance.ErrNotFound)
	_, err = s.Get(ctx, b.ID)
	assert.NoError(t, err)
}

func testReplaceAll(t *testing.T, s instance.Store) {
	ctx := context.Background()
	old, err := s.Save(ctx, xnat(104, true))
	require.NoError(t, err)

	saved, err := s.ReplaceAll(ctx, []instance.Instance{xnat(200, true), xnat(201, true)})
	require.NoError(t, err)
	require.Len(t, saved, 2)
	assert.NotZero(t, saved[0].ID)

	_, err = s.Get(ctx, old.ID)
	assert.ErrorIs(t, err, instance.ErrNotFound)

	_, err = s.ReplaceAll(ctx, []instance.Instance{xnat(300, true), xnat(300, true)})
	require.ErrorIs(t, err, instance.ErrDuplicateKey)

	all, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "failed ReplaceAll must leave the previous set")
	assert.Equal(t, 200, all[0].Port)
}

func testNotFound(t *testing.T, s instance.Store) {
	ctx := context.Background()
	_, err := s.Get(ctx, 42)
	assert.ErrorIs(t, err, instance.ErrNotFound)

	_, err = s.Save(ctx, instance.Instance{ID: 42, AETitle: "X", Port: 104})
	assert.ErrorIs(t, err, instance.ErrNotFound)
}
