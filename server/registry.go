package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/caio-sobreiro/dicomscp/instance"
)

// InstanceSource provides consistent snapshots of the enabled instances.
type InstanceSource interface {
	EnabledInstances(ctx context.Context, port int) ([]instance.Instance, error)
	EnabledPorts(ctx context.Context) ([]int, error)
}

// Status describes a running receiver.
type Status struct {
	Port               int      `json:"port"`
	AETitles           []string `json:"aeTitles"`
	ActiveAssociations int      `json:"activeAssociations"`
	Address            string   `json:"address,omitempty"`
}

// Registry owns the port → Server map. All mutations hold one lock; an
// in-flight C-STORE never waits on it.
type Registry struct {
	source InstanceSource
	deps   Dependencies
	opts   []Option
	logger *slog.Logger

	mu      sync.Mutex
	servers map[int]*Server
}

// NewRegistry creates an empty registry. opts apply to every Server it
// starts.
func NewRegistry(source InstanceSource, deps Dependencies, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		source:  source,
		deps:    deps,
		opts:    append([]Option{WithLogger(logger)}, opts...),
		logger:  logger.With("component", "receiver-registry"),
		servers: make(map[int]*Server),
	}
}

// Start (re)starts the receiver on port from the currently enabled
// instances. A failed start leaves the port stopped.
func (r *Registry) Start(ctx context.Context, port int) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startLocked(ctx, port)
}

// Stop stops the receiver on port, if any.
func (r *Registry) Stop(port int) []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopLocked(port)
}

// Cycle stops the running ports that no longer have an enabled instance,
// then restarts the remaining updated ports.
func (r *Registry) Cycle(ctx context.Context, updated []int) ([]Change, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	enabled, err := r.source.EnabledPorts(ctx)
	if err != nil {
		return nil, fmt.Errorf("list enabled ports: %w", err)
	}
	enabledSet := make(map[int]bool, len(enabled))
	for _, p := range enabled {
		enabledSet[p] = true
	}

	var changes []Change
	disabled := make(map[int]bool)
	for _, port := range r.portsLocked() {
		if !enabledSet[port] {
			disabled[port] = true
			changes = append(changes, r.stopLocked(port)...)
		}
	}

	var errs []error
	for _, port := range uniqueSorted(updated) {
		if disabled[port] {
			continue
		}
		if !enabledSet[port] {
			r.logger.Debug("Skipping port without enabled instances", "port", port)
			continue
		}
		started, err := r.startLocked(ctx, port)
		if err != nil {
			errs = append(errs, fmt.Errorf("port %d: %w", port, err))
			continue
		}
		changes = append(changes, started...)
	}
	return changes, errors.Join(errs...)
}

// StopAll stops every running receiver.
func (r *Registry) StopAll() []Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	var changes []Change
	for _, port := range r.portsLocked() {
		changes = append(changes, r.stopLocked(port)...)
	}
	return changes
}

// Ports returns the ports with a running receiver, sorted.
func (r *Registry) Ports() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.portsLocked()
}

// Server returns the receiver on port.
func (r *Registry) Server(port int) (*Server, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.servers[port]
	return s, ok
}

// Status reports every running receiver.
func (r *Registry) Status() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.servers))
	for _, port := range r.portsLocked() {
		s := r.servers[port]
		st := Status{
			Port:               port,
			AETitles:           s.AETitles(),
			ActiveAssociations: s.ActiveAssociations(),
		}
		if addr := s.Addr(); addr != nil {
			st.Address = addr.String()
		}
		out = append(out, st)
	}
	return out
}

func (r *Registry) startLocked(ctx context.Context, port int) ([]Change, error) {
	var changes []Change
	if _, ok := r.servers[port]; ok {
		changes = append(changes, r.stopLocked(port)...)
	}

	insts, err := r.source.EnabledInstances(ctx, port)
	if err != nil {
		return changes, fmt.Errorf("list enabled instances: %w", err)
	}
	srv := New(port, insts, r.deps, r.opts...)
	started, err := srv.Start()
	if err != nil {
		srv.Stop()
		r.logger.Error("Failed to start receiver", "port", port, "error", err)
		return changes, err
	}
	if len(started) == 0 {
		r.logger.Warn("No AE titles started on port", "port", port, "instances", len(insts))
		return changes, nil
	}
	r.servers[port] = srv
	r.deps.Metrics.setReceivers(len(r.servers))
	return append(changes, started...), nil
}

func (r *Registry) stopLocked(port int) []Change {
	srv, ok := r.servers[port]
	if !ok {
		return nil
	}
	delete(r.servers, port)
	r.deps.Metrics.setReceivers(len(r.servers))
	return srv.Stop()
}

func (r *Registry) portsLocked() []int {
	ports := make([]int, 0, len(r.servers))
	for port := range r.servers {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	return ports
}

func uniqueSorted(ports []int) []int {
	seen := make(map[int]bool, len(ports))
	out := make([]int, 0, len(ports))
	for _, p := range ports {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out
}
