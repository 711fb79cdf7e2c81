package server

import (
	"bytes"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/dicom"
	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/types"
)

func ctDataset() []byte {
	ds := dicom.NewDataset()
	ds.AddElement(dicom.TagSOPClassUID, dicom.VR_UI, types.CTImageStorage)
	ds.AddElement(dicom.TagSOPInstanceUID, dicom.VR_UI, "1.2.3.4")
	ds.AddElement(dicom.TagPatientID, dicom.VR_LO, "P1")
	return ds.EncodeDataset()
}

func startServer(t *testing.T, source *fakeSource, imp importer.Importer, insts []instance.Instance, opts ...Option) *Server {
	t.Helper()
	port := insts[0].Port
	source.set(insts...)
	srv := New(port, insts, testDeps(t, source, imp), opts...)
	changes, err := srv.Start()
	require.NoError(t, err)
	require.NotEmpty(t, changes)
	t.Cleanup(func() { srv.Stop() })
	return srv
}

func TestServer_StartStopIdempotent(t *testing.T) {
	port := freePort(t)
	source := &fakeSource{}
	insts := []instance.Instance{inst(1, "XNAT", port, true), inst(2, "ARCHIVE", port, true), inst(3, "OFF", port, false)}
	source.set(insts...)
	srv := New(port, insts, testDeps(t, source, &recordingImporter{}))

	changes, err := srv.Start()
	require.NoError(t, err)
	assert.Equal(t, []Change{
		{AETitle: "ARCHIVE", Port: port, Enabled: true},
		{AETitle: "XNAT", Port: port, Enabled: true},
	}, changes)
	assert.True(t, srv.Running())
	assert.Equal(t, []string{"ARCHIVE", "XNAT"}, srv.AETitles())

	again, err := srv.Start()
	require.NoError(t, err)
	assert.Empty(t, again)

	stopped := srv.Stop()
	assert.Equal(t, []Change{
		{AETitle: "ARCHIVE", Port: port, Enabled: false},
		{AETitle: "XNAT", Port: port, Enabled: false},
	}, stopped)
	assert.False(t, srv.Running())
	assert.Empty(t, srv.AETitles())
	assert.Nil(t, srv.Addr())
	assert.Empty(t, srv.Stop())

	// The port is released.
	ln, err := net.Listen("tcp", address(port))
	require.NoError(t, err)
	ln.Close()
}

func TestServer_NoEnabledInstances(t *testing.T) {
	port := freePort(t)
	srv := New(port, []instance.Instance{inst(1, "OFF", port, false)}, testDeps(t, &fakeSource{}, &recordingImporter{}))
	changes, err := srv.Start()
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.False(t, srv.Running())
}

func TestServer_EchoAndStore(t *testing.T) {
	port := freePort(t)
	source := &fakeSource{}
	imp := &recordingImporter{}
	xnat := inst(1, "XNAT", port, true)
	xnat.DirectArchive = true
	xnat.AnonymizationEnabled = true
	startServer(t, source, imp, []instance.Instance{xnat})

	assoc, err := connect(t, port, "XNAT")
	require.NoError(t, err)
	defer assoc.Release()

	status, err := assoc.Echo()
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), status)

	resp, err := assoc.Store(types.CTImageStorage, "1.2.3.4", ctDataset())
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusSuccess), resp.Status)
	assert.Equal(t, "1.2.3.4", resp.SOPInstanceUID)

	calls := imp.calls()
	require.Len(t, calls, 1)
	p := calls[0]
	assert.Equal(t, "XNAT", p.CalledAETitle)
	assert.Equal(t, "TESTSCU", p.CallingAETitle)
	assert.Equal(t, port, p.Port)
	assert.Equal(t, types.ExplicitVRLittleEndian, p.TransferSyntaxUID)
	assert.True(t, p.DirectArchive)
	assert.True(t, p.Anonymize)
	assert.False(t, p.PreventAnonymization)
	assert.Contains(t, p.Sender, "TESTSCU@127.0.0.1:")
	assert.NotNil(t, p.Identifier)
}

func TestServer_ClientFaultStatus(t *testing.T) {
	port := freePort(t)
	imp := &recordingImporter{hook: func(importer.Params) error {
		return importer.ClientErrorf("bad transfer syntax")
	}}
	startServer(t, &fakeSource{}, imp, []instance.Instance{inst(1, "XNAT", port, true)})

	assoc, err := connect(t, port, "XNAT")
	require.NoError(t, err)
	defer assoc.Release()

	resp, err := assoc.Store(types.CTImageStorage, "1.2.3.4", ctDataset())
	require.NoError(t, err)
	assert.Equal(t, uint16(types.StatusCannotUnderstand), resp.Status)
	assert.Equal(t, "bad transfer syntax", resp.ErrorComment)
}

func TestServer_RejectsUnknownCalledAE(t *testing.T) {
	port := freePort(t)
	startServer(t, &fakeSource{}, &recordingImporter{}, []instance.Instance{inst(1, "XNAT", port, true)})

	_, err := connect(t, port, "NOBODY")
	var assocErr *dicomerrors.AssociationError
	require.ErrorAs(t, err, &assocErr)
	assert.Equal(t, dicomerrors.RejectReasonCalledAETitleNotRecognized, assocErr.Reason)
	assert.Equal(t, dicomerrors.RejectSourceServiceUser, assocErr.Source)
}

func TestServer_Whitelist(t *testing.T) {
	tests := []struct {
		name      string
		whitelist []string
		accepted  bool
	}{
		{"ae title", []string{"TESTSCU"}, true},
		{"ae title and host", []string{"OTHER", "TESTSCU@127.0.0.1"}, true},
		{"host only", []string{"@127.0.0.1"}, true},
		{"other host", []string{"TESTSCU@10.9.9.9", "@10.9.9.9"}, false},
		{"other ae", []string{"SCANNER"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port := freePort(t)
			xnat := inst(1, "XNAT", port, true)
			xnat.WhitelistEnabled = true
			xnat.Whitelist = tt.whitelist
			startServer(t, &fakeSource{}, &recordingImporter{}, []instance.Instance{xnat})

			assoc, err := connect(t, port, "XNAT")
			if tt.accepted {
				require.NoError(t, err)
				assoc.Release()
				return
			}
			var assocErr *dicomerrors.AssociationError
			require.ErrorAs(t, err, &assocErr)
			assert.Equal(t, dicomerrors.RejectReasonCallingAETitleNotRecognized, assocErr.Reason)
		})
	}
}

func TestServer_PortInUse(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	srv := New(port, []instance.Instance{inst(1, "XNAT", port, true)},
		testDeps(t, &fakeSource{}, &recordingImporter{}),
		WithPortRetries(1, 10*time.Millisecond))
	changes, err := srv.Start()
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.False(t, srv.Running())
}

func TestServer_UnknownStrategy(t *testing.T) {
	port := freePort(t)
	bad := inst(1, "XNAT", port, true)
	bad.IdentifierStrategy = "nope"
	srv := New(port, []instance.Instance{inst(2, "OK", port, true), bad}, testDeps(t, &fakeSource{}, &recordingImporter{}))

	changes, err := srv.Start()
	assert.ErrorIs(t, err, dicomerrors.ErrUnknownStrategy)
	assert.Empty(t, changes)
	assert.False(t, srv.Running())
}

func TestServer_StopLetsTransferComplete(t *testing.T) {
	port := freePort(t)
	started := make(chan struct{})
	release := make(chan struct{})
	imp := &recordingImporter{hook: func(importer.Params) error {
		close(started)
		<-release
		return nil
	}}
	srv := startServer(t, &fakeSource{}, imp, []instance.Instance{inst(1, "XNAT", port, true)})

	assoc, err := connect(t, port, "XNAT")
	require.NoError(t, err)

	type result struct {
		status uint16
		err    error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := assoc.Store(types.CTImageStorage, "1.2.3.4", ctDataset())
		if err != nil {
			done <- result{err: err}
			return
		}
		done <- result{status: resp.Status}
	}()

	<-started
	changes := srv.Stop()
	assert.Len(t, changes, 1)
	close(release)

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, uint16(types.StatusSuccess), res.status)
	case <-time.After(5 * time.Second):
		t.Fatal("in-flight C-STORE was not answered")
	}

	// New associations are refused once stopped.
	_, err = connect(t, port, "XNAT")
	assert.Error(t, err)
}

func TestServer_AcceptRateLimit(t *testing.T) {
	port := freePort(t)
	startServer(t, &fakeSource{}, &recordingImporter{}, []instance.Instance{inst(1, "XNAT", port, true)},
		WithAcceptRate(1000, 2))

	for i := 0; i < 3; i++ {
		assoc, err := connect(t, port, "XNAT")
		require.NoError(t, err)
		require.NoError(t, assoc.Release())
	}
}

func TestWhitelistParsing(t *testing.T) {
	wl := parseWhitelist([]string{" SCANNER ", "CT@10.0.0.1", "@::1", "", "@"})
	assert.True(t, allowed(wl, "SCANNER", "192.168.1.1"))
	assert.True(t, allowed(wl, "CT", "10.0.0.1"))
	assert.False(t, allowed(wl, "CT", "10.0.0.2"))
	assert.True(t, allowed(wl, "ANY", "0:0::1"))
	assert.False(t, allowed(wl, "", ""))
	assert.False(t, allowed(nil, "SCANNER", "10.0.0.1"))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestServer_AssociationLogAttributesOnce(t *testing.T) {
	port := freePort(t)
	var logs syncBuffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	startServer(t, &fakeSource{}, &recordingImporter{}, []instance.Instance{inst(1, "XNAT", port, true)},
		WithLogger(logger))

	assoc, err := connect(t, port, "XNAT")
	require.NoError(t, err)
	_, err = assoc.Echo()
	require.NoError(t, err)
	require.NoError(t, assoc.Release())

	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "Association closed")
	}, 5*time.Second, 10*time.Millisecond)

	var seen int
	for _, line := range strings.Split(logs.String(), "\n") {
		if !strings.Contains(line, " association=") {
			continue
		}
		seen++
		assert.Equal(t, 1, strings.Count(line, " association="), line)
		assert.Equal(t, 1, strings.Count(line, " remote_addr="), line)
	}
	assert.NotZero(t, seen)
}
