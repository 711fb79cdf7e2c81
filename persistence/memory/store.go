// Package memory provides an in-process instance store.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/caio-sobreiro/dicomscp/instance"
)

// Store keeps instances in a map. It enforces the same uniqueness rule as
// the SQL stores: one enabled instance per (AE title, port).
type Store struct {
	mu     sync.RWMutex
	rows   map[int64]instance.Instance
	nextID int64
	now    func() time.Time
}

var _ instance.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		rows:   make(map[int64]instance.Instance),
		nextID: 1,
		now:    time.Now,
	}
}

func (s *Store) Save(_ context.Context, inst instance.Instance) (instance.Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if inst.ID != 0 {
		prev, ok := s.rows[inst.ID]
		if !ok {
			return instance.Instance{}, fmt.Errorf("%w: id %d", instance.ErrNotFound, inst.ID)
		}
		inst.Created = prev.Created
	}
	if s.conflicts(inst) {
		return instance.Instance{}, fmt.Errorf("%w: %s", instance.ErrDuplicateKey, inst.Key())
	}

	now := s.now().UTC().Truncate(time.Millisecond)
	if inst.ID == 0 {
		inst.ID = s.nextID
		s.nextID++
		inst.Created = now
	}
	inst.LastModified = now
	s.rows[inst.ID] = inst.Clone()
	return inst.Clone(), nil
}

func (s *Store) conflicts(inst instance.Instance) bool {
	if !inst.Enabled {
		return false
	}
	for id, row := range s.rows {
		if id != inst.ID && row.Enabled && row.Key() == inst.Key() {
			return true
		}
	}
	return false
}

func (s *Store) Get(_ context.Context, id int64) (instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return instance.Instance{}, fmt.Errorf("%w: id %d", instance.ErrNotFound, id)
	}
	return row.Clone(), nil
}

// GetByTitleAndPort returns the enabled instance for the pair.
func (s *Store) GetByTitleAndPort(_ context.Context, aeTitle string, port int) (instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key := instance.Key{AETitle: aeTitle, Port: port}
	for _, row := range s.rows {
		if row.Enabled && row.Key() == key {
			return row.Clone(), nil
		}
	}
	return instance.Instance{}, fmt.Errorf("%w: %s", instance.ErrNotFound, key)
}

func (s *Store) List(_ context.Context) ([]instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(instance.Instance) bool { return true }), nil
}

func (s *Store) ListEnabledByPort(_ context.Context, port int) ([]instance.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sorted(func(i instance.Instance) bool { return i.Enabled && i.Port == port }), nil
}

func (s *Store) EnabledPorts(_ context.Context) ([]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[int]bool)
	var ports []int
	for _, row := range s.rows {
		if row.Enabled && !seen[row.Port] {
			seen[row.Port] = true
			ports = append(ports, row.Port)
		}
	}
	sort.Ints(ports)
	return ports, nil
}

// Delete removes the given instances. Unknown IDs are ignored.
func (s *Store) Delete(_ context.Context, ids ...int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.rows, id)
	}
	return nil
}

func (s *Store) ReplaceAll(_ context.Context, insts []instance.Instance) ([]instance.Instance, error) {
	if dups := instance.FindDuplicates(insts); len(dups) > 0 {
		return nil, fmt.Errorf("%w: %s", instance.ErrDuplicateKey, insts[dups[0]].Key())
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC().Truncate(time.Millisecond)
	rows := make(map[int64]instance.Instance, len(insts))
	out := make([]instance.Instance, 0, len(insts))
	next := s.nextID
	for _, inst := range insts {
		inst = inst.Clone()
		inst.ID = next
		next++
		inst.Created = now
		inst.LastModified = now
		rows[inst.ID] = inst
		out = append(out, inst.Clone())
	}
	s.rows = rows
	s.nextID = next
	return out, nil
}

func (s *Store) Close() error { return nil }

func (s *Store) sorted(keep func(instance.Instance) bool) []instance.Instance {
	out := make([]instance.Instance, 0, len(s.rows))
	for _, row := range s.rows {
		if keep(row) {
			out = append(out, row.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
