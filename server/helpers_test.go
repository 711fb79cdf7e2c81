package server

import (
	"context"
	"io"
	"net"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/caio-sobreiro/dicomscp/executor"
	"github.com/caio-sobreiro/dicomscp/importer"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/internal/testscu"
	"github.com/caio-sobreiro/dicomscp/strategy"
)

// fakeSource is an in-memory InstanceSource and InstanceLookup.
type fakeSource struct {
	mu    sync.Mutex
	insts []instance.Instance
}

func (f *fakeSource) set(insts ...instance.Instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.insts = insts
}

func (f *fakeSource) EnabledInstances(_ context.Context, port int) ([]instance.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []instance.Instance
	for _, inst := range f.insts {
		if inst.Enabled && inst.Port == port {
			out = append(out, inst.Clone())
		}
	}
	return out, nil
}

func (f *fakeSource) EnabledPorts(context.Context) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[int]bool{}
	var ports []int
	for _, inst := range f.insts {
		if inst.Enabled && !seen[inst.Port] {
			seen[inst.Port] = true
			ports = append(ports, inst.Port)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

func (f *fakeSource) Lookup(aeTitle string, port int) (instance.Instance, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, inst := range f.insts {
		if inst.Enabled && inst.AETitle == aeTitle && inst.Port == port {
			return inst.Clone(), true
		}
	}
	return instance.Instance{}, false
}

// recordingImporter drains the data set and records the params.
type recordingImporter struct {
	mu     sync.Mutex
	params []importer.Params
	hook   func(p importer.Params) error
}

func (r *recordingImporter) Import(_ context.Context, rd io.Reader, _ string, p importer.Params) (importer.Result, error) {
	if _, err := io.Copy(io.Discard, rd); err != nil {
		return importer.Result{}, err
	}
	r.mu.Lock()
	r.params = append(r.params, p)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		if err := hook(p); err != nil {
			return importer.Result{}, err
		}
	}
	return importer.Result{Key: "k"}, nil
}

func (r *recordingImporter) calls() []importer.Params {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]importer.Params(nil), r.params...)
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}

func newExecutor(t *testing.T) *executor.Executor {
	t.Helper()
	exec := executor.New(executor.Config{Workers: 4, QueueSize: 16})
	require.NoError(t, exec.Start(context.Background()))
	t.Cleanup(func() { _ = exec.Stop(5 * time.Second) })
	return exec
}

func testDeps(t *testing.T, source *fakeSource, imp importer.Importer) Dependencies {
	t.Helper()
	return Dependencies{
		Runner:     newExecutor(t),
		Strategies: strategy.NewRegistry(),
		Importer:   imp,
		Lookup:     source,
		User:       "admin",
	}
}

func inst(id int64, ae string, port int, enabled bool) instance.Instance {
	return instance.Instance{ID: id, AETitle: ae, Port: port, Enabled: enabled}
}

func address(port int) string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
}

func connect(t *testing.T, port int, called string) (*testscu.Association, error) {
	t.Helper()
	return testscu.Connect(context.Background(), address(port), testscu.Config{
		CallingAETitle: "TESTSCU",
		CalledAETitle:  called,
		Timeout:        5 * time.Second,
	})
}
