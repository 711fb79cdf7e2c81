// Package manager is the lifecycle manager of the receivers. It owns the
// instance configuration, keeps enabled (AE title, port) pairs unique and
// cycles the affected ports after every change.
package manager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	dicomerrors "github.com/caio-sobreiro/dicomscp/errors"
	"github.com/caio-sobreiro/dicomscp/instance"
	"github.com/caio-sobreiro/dicomscp/server"
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithReceiverEnabled sets the initial state of the system-wide receiver
// switch. It defaults to on.
func WithReceiverEnabled(enabled bool) Option {
	return func(m *Manager) { m.enabled.Store(enabled) }
}

// WithServerOptions passes options to every receiver.
func WithServerOptions(opts ...server.Option) Option {
	return func(m *Manager) { m.serverOpts = append(m.serverOpts, opts...) }
}

// Status is the receiver state reported to operators.
type Status struct {
	Enabled   bool            `json:"enabled"`
	Receivers []server.Status `json:"receivers"`
}

// Manager serializes configuration changes. Lookups from C-STORE handlers
// read a cloned cache and never wait on a change in progress.
type Manager struct {
	store      instance.Store
	receivers  *server.Registry
	serverOpts []server.Option
	logger     *slog.Logger
	enabled    atomic.Bool

	mu sync.Mutex

	cacheMu sync.RWMutex
	cache   map[instance.Key]instance.Instance
}

// New creates a manager and its receiver registry. deps.Lookup is set to
// the manager.
func New(ctx context.Context, store instance.Store, deps server.Dependencies, opts ...Option) (*Manager, error) {
	m := &Manager{
		store:  store,
		logger: slog.Default(),
		cache:  make(map[instance.Key]instance.Instance),
	}
	m.enabled.Store(true)
	for _, opt := range opts {
		opt(m)
	}
	base := m.logger
	m.logger = base.With("component", "manager")

	deps.Lookup = m
	m.receivers = server.NewRegistry(m, deps, base, m.serverOpts...)

	if err := m.refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// Receivers exposes the receiver registry.
func (m *Manager) Receivers() *server.Registry { return m.receivers }

// List returns every instance ordered by ID.
func (m *Manager) List(ctx context.Context) ([]instance.Instance, error) {
	return m.store.List(ctx)
}

// Get returns one instance.
func (m *Manager) Get(ctx context.Context, id int64) (instance.Instance, error) {
	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return instance.Instance{}, translate(err, id, inst)
	}
	return inst, nil
}

// Save creates (ID 0) or updates an instance. Saving an enabled instance
// whose AE title and port are used by another enabled instance fails with
// *errors.DuplicateTitleAndPortError and changes nothing. Unless the
// instance is new and disabled, its port is cycled; when the port changed,
// the old port is cycled too. A cycle error is returned together with the
// saved instance.
func (m *Manager) Save(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx, inst)
}

func (m *Manager) saveLocked(ctx context.Context, inst instance.Instance) (instance.Instance, error) {
	if err := inst.Validate(); err != nil {
		return instance.Instance{}, err
	}

	var previous *instance.Instance
	if inst.ID != 0 {
		old, err := m.store.Get(ctx, inst.ID)
		if err != nil {
			return instance.Instance{}, translate(err, inst.ID, inst)
		}
		previous = &old
	}

	if inst.Enabled {
		existing, err := m.store.GetByTitleAndPort(ctx, inst.AETitle, inst.Port)
		switch {
		case err == nil && existing.ID != inst.ID:
			return instance.Instance{}, &dicomerrors.DuplicateTitleAndPortError{AETitle: inst.AETitle, Port: inst.Port}
		case err != nil && !errors.Is(err, instance.ErrNotFound):
			return instance.Instance{}, err
		}
	}

	saved, err := m.store.Save(ctx, inst)
	if err != nil {
		return instance.Instance{}, translate(err, inst.ID, inst)
	}
	if err := m.refresh(ctx); err != nil {
		return saved, err
	}
	m.logger.Info("Instance saved", "id", saved.ID, "ae_title", saved.AETitle, "port", saved.Port, "enabled", saved.Enabled)

	if previous == nil && !saved.Enabled {
		return saved, nil
	}
	ports := []int{saved.Port}
	if previous != nil && previous.Port != saved.Port {
		ports = append(ports, previous.Port)
	}
	_, err = m.cycleLocked(ctx, ports)
	return saved, err
}

// SetInstances replaces the whole configuration. keys name the instances
// in error reports. If any instance is invalid or two enabled instances
// share an AE title and port, nothing is applied; duplicates are reported
// together in *errors.DuplicatePropertiesError.
func (m *Manager) SetInstances(ctx context.Context, insts map[string]instance.Instance) ([]instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]string, 0, len(insts))
	for k := range insts {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]instance.Instance, 0, len(keys))
	for _, k := range keys {
		inst := insts[k]
		if err := inst.Validate(); err != nil {
			return nil, fmt.Errorf("instance %q: %w", k, err)
		}
		inst.ID = 0
		ordered = append(ordered, inst)
	}
	if dups := instance.FindDuplicates(ordered); len(dups) > 0 {
		perr := &dicomerrors.DuplicatePropertiesError{Duplicates: make(map[string]dicomerrors.DuplicateTitleAndPortError, len(dups))}
		for _, i := range dups {
			perr.Duplicates[keys[i]] = dicomerrors.DuplicateTitleAndPortError{AETitle: ordered[i].AETitle, Port: ordered[i].Port}
		}
		return nil, perr
	}

	before, err := m.store.EnabledPorts(ctx)
	if err != nil {
		return nil, err
	}
	saved, err := m.store.ReplaceAll(ctx, ordered)
	if err != nil {
		return nil, translate(err, 0, instance.Instance{})
	}
	if err := m.refresh(ctx); err != nil {
		return saved, err
	}
	m.logger.Info("Instances replaced", "count", len(saved))

	ports := append([]int(nil), before...)
	for _, inst := range saved {
		ports = append(ports, inst.Port)
	}
	_, err = m.cycleLocked(ctx, ports)
	return saved, err
}

// DeleteInstances removes instances. Unknown IDs count as already removed.
// The ports of every removed instance are cycled.
func (m *Manager) DeleteInstances(ctx context.Context, ids ...int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ports []int
	for _, id := range ids {
		inst, err := m.store.Get(ctx, id)
		if errors.Is(err, instance.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		ports = append(ports, inst.Port)
	}
	if err := m.store.Delete(ctx, ids...); err != nil {
		return err
	}
	if err := m.refresh(ctx); err != nil {
		return err
	}
	m.logger.Info("Instances deleted", "ids", ids)
	_, err := m.cycleLocked(ctx, ports)
	return err
}

// Enable enables an instance. Enabling an enabled instance does nothing.
func (m *Manager) Enable(ctx context.Context, id int64) (instance.Instance, error) {
	return m.setEnabled(ctx, id, true)
}

// Disable disables an instance. Disabling a disabled instance does nothing.
func (m *Manager) Disable(ctx context.Context, id int64) (instance.Instance, error) {
	return m.setEnabled(ctx, id, false)
}

func (m *Manager) setEnabled(ctx context.Context, id int64, enabled bool) (instance.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, err := m.store.Get(ctx, id)
	if err != nil {
		return instance.Instance{}, translate(err, id, inst)
	}
	if inst.Enabled == enabled {
		return inst, nil
	}
	inst.Enabled = enabled
	return m.saveLocked(ctx, inst)
}

// Start brings up every port with an enabled instance. It does nothing
// while the receiver switch is off.
func (m *Manager) Start(ctx context.Context) ([]server.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx)
}

func (m *Manager) startLocked(ctx context.Context) ([]server.Change, error) {
	if !m.enabled.Load() {
		m.logger.Info("Receiver switch is off, not starting")
		return nil, nil
	}
	ports, err := m.store.EnabledPorts(ctx)
	if err != nil {
		return nil, err
	}
	return m.receivers.Cycle(ctx, ports)
}

// Stop stops every running receiver.
func (m *Manager) Stop() []server.Change {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.receivers.StopAll()
}

// SetReceiverEnabled flips the system-wide switch: off stops every
// receiver, on starts them.
func (m *Manager) SetReceiverEnabled(ctx context.Context, enabled bool) ([]server.Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enabled.Store(enabled)
	m.logger.Info("Receiver switch changed", "enabled", enabled)
	if !enabled {
		return m.receivers.StopAll(), nil
	}
	return m.startLocked(ctx)
}

// ReceiverEnabled reports the state of the system-wide switch.
func (m *Manager) ReceiverEnabled() bool { return m.enabled.Load() }

// Status reports the switch and the running receivers.
func (m *Manager) Status() Status {
	return Status{Enabled: m.enabled.Load(), Receivers: m.receivers.Status()}
}

// Lookup returns the enabled instance for an AE title and port.
func (m *Manager) Lookup(aeTitle string, port int) (instance.Instance, bool) {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	inst, ok := m.cache[instance.Key{AETitle: aeTitle, Port: port}]
	if !ok {
		return instance.Instance{}, false
	}
	return inst.Clone(), true
}

// EnabledInstances implements server.InstanceSource.
func (m *Manager) EnabledInstances(ctx context.Context, port int) ([]instance.Instance, error) {
	return m.store.ListEnabledByPort(ctx, port)
}

// EnabledPorts implements server.InstanceSource.
func (m *Manager) EnabledPorts(ctx context.Context) ([]int, error) {
	return m.store.EnabledPorts(ctx)
}

// Seed stores insts when no instance exists yet and returns how many were
// added.
func (m *Manager) Seed(ctx context.Context, insts []instance.Instance) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(insts) == 0 {
		return 0, nil
	}
	existing, err := m.store.List(ctx)
	if err != nil {
		return 0, err
	}
	if len(existing) > 0 {
		m.logger.Debug("Store not empty, skipping seed", "instances", len(existing))
		return 0, nil
	}
	for i := range insts {
		if err := insts[i].Validate(); err != nil {
			return 0, fmt.Errorf("seed instance %d: %w", i, err)
		}
	}
	saved, err := m.store.ReplaceAll(ctx, insts)
	if err != nil {
		return 0, translate(err, 0, instance.Instance{})
	}
	if err := m.refresh(ctx); err != nil {
		return 0, err
	}
	m.logger.Info("Seeded instances", "count", len(saved))
	return len(saved), nil
}

func (m *Manager) cycleLocked(ctx context.Context, ports []int) ([]server.Change, error) {
	if !m.enabled.Load() {
		return nil, nil
	}
	changes, err := m.receivers.Cycle(ctx, ports)
	for _, c := range changes {
		m.logger.Info("Receiver changed", "ae_title", c.AETitle, "port", c.Port, "enabled", c.Enabled)
	}
	return changes, err
}

// refresh rebuilds the lookup cache from the store.
func (m *Manager) refresh(ctx context.Context) error {
	insts, err := m.store.List(ctx)
	if err != nil {
		return fmt.Errorf("refresh instance cache: %w", err)
	}
	cache := make(map[instance.Key]instance.Instance, len(insts))
	for _, inst := range insts {
		if inst.Enabled {
			cache[inst.Key()] = inst.Clone()
		}
	}
	m.cacheMu.Lock()
	m.cache = cache
	m.cacheMu.Unlock()
	return nil
}

// translate maps store sentinels to the typed configuration errors.
func translate(err error, id int64, inst instance.Instance) error {
	switch {
	case errors.Is(err, instance.ErrNotFound):
		return &dicomerrors.NotFoundError{ID: id}
	case errors.Is(err, instance.ErrDuplicateKey):
		return &dicomerrors.DuplicateTitleAndPortError{AETitle: inst.AETitle, Port: inst.Port}
	}
	return err
}
