package manager

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/executor"
	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/internal/testscu"
	"github.com/caio-sobreiro/dicomscp/persistence/memory"
	"github.com/caio-sobreiro/dicomscp/server"
	"github.com/caio-sobreiro/dicomscp/strategy"
	"github.com/caio-sobreiro/dicomscp/types"
)

type discardImporter struct{}

func (discardImporter) Import(_ context.Context, r io.Reader, _ string, _ importer.Params) (importer.Result, error) {
	_, err := io.Copy(io.Discard, r)
	return importer.Result{}, err
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newManager(t *testing.T, opts ...Option) (*Manager, *memory.Store) {
	t.Helper()
	exec := executor.New(executor.Config{Workers: 4, QueueSize: 16})
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { _ = exec.Stop(5 * time.Second) })

	store := memory.NewStore()
	m, err := New(context.Background(), store, server.Dependencies{
		Runner:     exec,
		Strategies: strategy.NewRegistry(),
		Importer:   discardImporter{},
		User:       "admin",
	}, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { m.Stop() })
	return m, store
}

func dial(t *testing.T, port int, called string) error {
	t.Helper()
	assoc, err := testscu.Connect(context.Background(), net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), testscu.Config{
		CalledAETitle: called,
		Timeout:       5 * time.Second,
	})
	if err != nil {
		return err
	}
	return assoc.Release()
}

func ae(title string, port int, enabled bool) instance.Instance {
	return instance.Instance{AETitle: title, Port: port, Enabled: enabled}
}

var ignoreTimes = cmpopts.IgnoreFields(instance.Instance{}, "Created", "LastModified")

func TestManager_SaveStartsReceiver(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	saved, err := m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)
	assert.NotZero(t, saved.ID)
	assert.Equal(t, []int{port}, m.Receivers().Ports())
	require.NoError(t, dial(t, port, "XNAT"))

	got, ok := m.Lookup("XNAT", port)
	require.True(t, ok)
	if diff := cmp.Diff(saved, got); diff != "" {
		t.Errorf("Lookup mismatch (-want +got):\n%s", diff)
	}
}

func TestManager_NewDisabledInstanceIsNotCycled(t *testing.T) {
	m, _ := newManager(t)
	port := freePort(t)

	_, err := m.Save(context.Background(), ae("XNAT", port, false))
	require.NoError(t, err)
	assert.Empty(t, m.Receivers().Ports())
	_, ok := m.Lookup("XNAT", port)
	assert.False(t, ok)
}

func TestManager_DuplicateRejectedWithoutMutation(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	a, err := m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)
	b, err := m.Save(ctx, ae("XNAT", port, false))
	require.NoError(t, err)
	before, err := store.List(ctx)
	require.NoError(t, err)

	// Enabling B would give XNAT two owners on the port.
	_, err = m.Enable(ctx, b.ID)
	var dup *dicomerrors.DuplicateTitleAndPortError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, "XNAT", dup.AETitle)
	assert.Equal(t, port, dup.Port)
	assert.ErrorIs(t, err, dicomerrors.ErrDuplicateTitleAndPort)

	after, err := store.List(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("store changed after rejected save (-before +after):\n%s", diff)
	}
	got, ok := m.Lookup("XNAT", port)
	require.True(t, ok)
	assert.Equal(t, a.ID, got.ID)

	// Saving A again under its own key is not a collision.
	_, err = m.Save(ctx, a)
	require.NoError(t, err)
}

func TestManager_EnableExposesSecondAE(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	_, err := m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)
	ctlab, err := m.Save(ctx, ae("CTLAB", port, false))
	require.NoError(t, err)
	require.Error(t, dial(t, port, "CTLAB"))

	_, err = m.Enable(ctx, ctlab.ID)
	require.NoError(t, err)

	srv, ok := m.Receivers().Server(port)
	require.True(t, ok)
	assert.Equal(t, []string{"CTLAB", "XNAT"}, srv.AETitles())
	require.NoError(t, dial(t, port, "CTLAB"))
	require.NoError(t, dial(t, port, "XNAT"))
}

func TestManager_EnableDisableIdempotent(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	inst, err := m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)

	again, err := m.Enable(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.LastModified, again.LastModified)

	off, err := m.Disable(ctx, inst.ID)
	require.NoError(t, err)
	assert.False(t, off.Enabled)
	assert.Empty(t, m.Receivers().Ports())

	offAgain, err := m.Disable(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, off.LastModified, offAgain.LastModified)

	_, err = m.Enable(ctx, 999)
	assert.ErrorIs(t, err, dicomerrors.ErrNotFound)
}

func TestManager_PortChangeCyclesBothPorts(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	oldPort, newPort := freePort(t), freePort(t)

	inst, err := m.Save(ctx, ae("XNAT", oldPort, true))
	require.NoError(t, err)

	inst.Port = newPort
	_, err = m.Save(ctx, inst)
	require.NoError(t, err)
	assert.Equal(t, []int{newPort}, m.Receivers().Ports())
	_, ok := m.Lookup("XNAT", oldPort)
	assert.False(t, ok)
	_, ok = m.Lookup("XNAT", newPort)
	assert.True(t, ok)
}

func TestManager_SaveValidation(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	_, err := m.Save(ctx, ae("", 104, true))
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidInstance)

	_, err = m.Save(ctx, instance.Instance{ID: 42, AETitle: "XNAT", Port: 104})
	assert.ErrorIs(t, err, dicomerrors.ErrNotFound)

	_, err = m.Get(ctx, 42)
	var nf *dicomerrors.NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, int64(42), nf.ID)
}

func TestManager_UnknownStrategyLeavesPortStopped(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	bad := ae("XNAT", port, true)
	bad.IdentifierStrategy = "nope"
	saved, err := m.Save(ctx, bad)
	assert.ErrorIs(t, err, dicomerrors.ErrUnknownStrategy)
	assert.NotZero(t, saved.ID)
	assert.Empty(t, m.Receivers().Ports())

	persisted, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, "nope", persisted.IdentifierStrategy)
}

func TestManager_SetInstances(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	p1, p2 := freePort(t), freePort(t)

	old, err := m.Save(ctx, ae("OLD", p1, true))
	require.NoError(t, err)

	saved, err := m.SetInstances(ctx, map[string]instance.Instance{
		"b": ae("PACS", p2, true),
		"a": ae("XNAT", p2, true),
		"c": ae("XNAT", p2, false),
	})
	require.NoError(t, err)
	require.Len(t, saved, 3)
	assert.Equal(t, []int{p2}, m.Receivers().Ports())
	_, ok := m.Lookup("OLD", p1)
	assert.False(t, ok)
	_, err = store.Get(ctx, old.ID)
	assert.ErrorIs(t, err, instance.ErrNotFound)

	srv, ok := m.Receivers().Server(p2)
	require.True(t, ok)
	assert.Equal(t, []string{"PACS", "XNAT"}, srv.AETitles())
}

func TestManager_SetInstancesRejectsDuplicates(t *testing.T) {
	m, store := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	_, err := m.Save(ctx, ae("KEEP", port, true))
	require.NoError(t, err)
	before, err := store.List(ctx)
	require.NoError(t, err)

	_, err = m.SetInstances(ctx, map[string]instance.Instance{
		"one":   ae("XNAT", 8104, true),
		"two":   ae("XNAT", 8104, true),
		"three": ae("XNAT", 8104, false),
		"four":  ae("PACS", 8104, true),
	})
	var perr *dicomerrors.DuplicatePropertiesError
	require.ErrorAs(t, err, &perr)
	want := map[string]dicomerrors.DuplicateTitleAndPortError{
		"one": {AETitle: "XNAT", Port: 8104},
		"two": {AETitle: "XNAT", Port: 8104},
	}
	if diff := cmp.Diff(want, perr.Duplicates); diff != "" {
		t.Errorf("duplicates mismatch (-want +got):\n%s", diff)
	}

	after, err := store.List(ctx)
	require.NoError(t, err)
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("store changed (-before +after):\n%s", diff)
	}
	assert.Equal(t, []int{port}, m.Receivers().Ports())

	_, err = m.SetInstances(ctx, map[string]instance.Instance{"bad": ae("", 104, true)})
	assert.ErrorIs(t, err, dicomerrors.ErrInvalidInstance)
}

func TestManager_DeleteInstances(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	p1, p2 := freePort(t), freePort(t)

	a, err := m.Save(ctx, ae("XNAT", p1, true))
	require.NoError(t, err)
	b, err := m.Save(ctx, ae("PACS", p2, true))
	require.NoError(t, err)
	_, err = m.Save(ctx, ae("CT", p2, true))
	require.NoError(t, err)

	require.NoError(t, m.DeleteInstances(ctx, a.ID, b.ID, 999))
	assert.Equal(t, []int{p2}, m.Receivers().Ports())
	srv, ok := m.Receivers().Server(p2)
	require.True(t, ok)
	assert.Equal(t, []string{"CT"}, srv.AETitles())

	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "CT", list[0].AETitle)
}

func TestManager_ReceiverSwitch(t *testing.T) {
	m, _ := newManager(t, WithReceiverEnabled(false))
	ctx := context.Background()
	port := freePort(t)

	changes, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Empty(t, changes)

	// Saves persist without cycling while the switch is off.
	_, err = m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)
	assert.Empty(t, m.Receivers().Ports())
	assert.False(t, m.Status().Enabled)

	changes, err = m.SetReceiverEnabled(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, []server.Change{{AETitle: "XNAT", Port: port, Enabled: true}}, changes)
	require.NoError(t, dial(t, port, "XNAT"))

	status := m.Status()
	assert.True(t, status.Enabled)
	require.Len(t, status.Receivers, 1)
	assert.Equal(t, []string{"XNAT"}, status.Receivers[0].AETitles)

	changes, err = m.SetReceiverEnabled(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, []server.Change{{AETitle: "XNAT", Port: port, Enabled: false}}, changes)
	assert.Empty(t, m.Receivers().Ports())
}

func TestManager_StartStop(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	p1, p2 := freePort(t), freePort(t)

	_, err := m.Save(ctx, ae("XNAT", p1, true))
	require.NoError(t, err)
	_, err = m.Save(ctx, ae("PACS", p2, true))
	require.NoError(t, err)

	stopped := m.Stop()
	assert.Len(t, stopped, 2)
	assert.Empty(t, m.Receivers().Ports())

	changes, err := m.Start(ctx)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.ElementsMatch(t, []int{p1, p2}, m.Receivers().Ports())
}

func TestManager_Seed(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()

	n, err := m.Seed(ctx, []instance.Instance{ae("XNAT", 8104, true), ae("PACS", 8104, false)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = m.Seed(ctx, []instance.Instance{ae("OTHER", 104, true)})
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err := m.List(ctx)
	require.NoError(t, err)
	want := []instance.Instance{
		{ID: 1, AETitle: "XNAT", Port: 8104, Enabled: true},
		{ID: 2, AETitle: "PACS", Port: 8104},
	}
	if diff := cmp.Diff(want, list, ignoreTimes); diff != "" {
		t.Errorf("seeded instances mismatch (-want +got):\n%s", diff)
	}
	_, ok := m.Lookup("XNAT", 8104)
	assert.True(t, ok)
}

func TestManager_LookupReturnsCopy(t *testing.T) {
	m, _ := newManager(t, WithReceiverEnabled(false))
	ctx := context.Background()

	inst := ae("XNAT", 8104, true)
	inst.WhitelistEnabled = true
	inst.Whitelist = []string{"SCANNER"}
	_, err := m.Save(ctx, inst)
	require.NoError(t, err)

	got, ok := m.Lookup("XNAT", 8104)
	require.True(t, ok)
	got.Whitelist[0] = "CHANGED"

	again, _ := m.Lookup("XNAT", 8104)
	assert.Equal(t, []string{"SCANNER"}, again.Whitelist)
}

// Toggling one AE cycles its port; stores to another AE on that port may
// lose their connection but must never get a non-retryable status.
func TestManager_StoresSurviveCyclingOfAnotherAE(t *testing.T) {
	m, _ := newManager(t)
	ctx := context.Background()
	port := freePort(t)

	_, err := m.Save(ctx, ae("XNAT", port, true))
	require.NoError(t, err)
	other, err := m.Save(ctx, ae("OTHER", port, true))
	require.NoError(t, err)

	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3.4")
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, "P1")
	data := ds.EncodeDataset()

	stop := make(chan struct{})
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		statuses = map[uint16]int{}
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			assoc, err := testscu.Connect(ctx, net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), testscu.Config{
				CalledAETitle: "XNAT",
				Timeout:       2 * time.Second,
			})
			if err != nil {
				time.Sleep(time.Millisecond)
				continue
			}
			for i := 0; i < 5; i++ {
				resp, err := assoc.Store(types.CTImageStorage, "1.2.3.4", data)
				if err != nil {
					break
				}
				mu.Lock()
				statuses[resp.Status]++
				mu.Unlock()
			}
			assoc.Abort()
		}
	}()

	for i := 0; i < 20; i++ {
		if i%2 == 0 {
			_, err = m.Disable(ctx, other.ID)
		} else {
			_, err = m.Enable(ctx, other.ID)
		}
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for status, n := range statuses {
		assert.Contains(t, []uint16{types.StatusSuccess, types.StatusOutOfResources}, status,
			"status 0x%04x seen %d times", status, n)
	}
}
