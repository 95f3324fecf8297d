package store

import (
	"context"
	"sort"
	"sync"

	"github.com/velesio/atrium/internal/domain"
)

// MemoryStore is an in-process Store used by tests and single-node
// development setups. All accessors return copies so callers never share
// mutable state with the store.
type MemoryStore struct {
	mu           sync.RWMutex
	tags         map[string]*domain.Tag
	engineTypes  map[string]*domain.EngineType
	engines      map[string]*domain.Engine
	engineOrder  []string
	hosts        map[string]*domain.Host
	hostOrder    []string
	templates    map[string]*domain.Template
	tmplOrder    []string
	workstations map[string]*domain.Workstation
	reservations map[string]*domain.Reservation
	mappings     map[string]*domain.ProxyMapping
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tags:         make(map[string]*domain.Tag),
		engineTypes:  make(map[string]*domain.EngineType),
		engines:      make(map[string]*domain.Engine),
		hosts:        make(map[string]*domain.Host),
		templates:    make(map[string]*domain.Template),
		workstations: make(map[string]*domain.Workstation),
		reservations: make(map[string]*domain.Reservation),
		mappings:     make(map[string]*domain.ProxyMapping),
	}
}

func (s *MemoryStore) Close() error                 { return nil }
func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) SaveTag(_ context.Context, tag *domain.Tag) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *tag
	s.tags[tag.ID] = &c
	return nil
}

func (s *MemoryStore) GetTag(_ context.Context, id string) (*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tags[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) GetTagByName(_ context.Context, name string) (*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, t := range s.tags {
		if t.Name == name {
			c := *t
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListTags(_ context.Context) ([]*domain.Tag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Tag, 0, len(s.tags))
	for _, t := range s.tags {
		c := *t
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveEngineType(_ context.Context, et *domain.EngineType) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *et
	s.engineTypes[et.ID] = &c
	return nil
}

func (s *MemoryStore) GetEngineType(_ context.Context, id string) (*domain.EngineType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	et, ok := s.engineTypes[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *et
	return &c, nil
}

func (s *MemoryStore) ListEngineTypes(_ context.Context) ([]*domain.EngineType, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.EngineType, 0, len(s.engineTypes))
	for _, et := range s.engineTypes {
		c := *et
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) SaveEngine(_ context.Context, e *domain.Engine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.engines[e.ID]; !ok {
		s.engineOrder = append(s.engineOrder, e.ID)
	}
	c := *e
	c.AvailableResources = e.AvailableResources.Clone()
	c.MaxResources = e.MaxResources.Clone()
	s.engines[e.ID] = &c
	return nil
}

func (s *MemoryStore) GetEngine(_ context.Context, id string) (*domain.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.engines[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *e
	return &c, nil
}

func (s *MemoryStore) ListEngines(_ context.Context) ([]*domain.Engine, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Engine, 0, len(s.engineOrder))
	for _, id := range s.engineOrder {
		c := *s.engines[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) SaveHost(_ context.Context, h *domain.Host) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.hosts[h.ID]; !ok {
		s.hostOrder = append(s.hostOrder, h.ID)
	}
	c := *h
	c.EngineIDs = append([]string(nil), h.EngineIDs...)
	s.hosts[h.ID] = &c
	return nil
}

func (s *MemoryStore) ListHosts(_ context.Context) ([]*domain.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Host, 0, len(s.hostOrder))
	for _, id := range s.hostOrder {
		c := *s.hosts[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) GetHostForEngine(_ context.Context, engineID string) (*domain.Host, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.hostOrder {
		h := s.hosts[id]
		for _, eid := range h.EngineIDs {
			if eid == engineID {
				c := *h
				return &c, nil
			}
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveTemplate(_ context.Context, t *domain.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.templates[t.ID]; !ok {
		s.tmplOrder = append(s.tmplOrder, t.ID)
	}
	c := *t
	c.AllowedEngineTypeIDs = append([]string(nil), t.AllowedEngineTypeIDs...)
	c.TagIDs = append([]string(nil), t.TagIDs...)
	c.ResourceRequirements = t.ResourceRequirements.Clone()
	s.templates[t.ID] = &c
	return nil
}

func (s *MemoryStore) GetTemplate(_ context.Context, id string) (*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *t
	return &c, nil
}

func (s *MemoryStore) ListTemplates(_ context.Context) ([]*domain.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Template, 0, len(s.tmplOrder))
	for _, id := range s.tmplOrder {
		c := *s.templates[id]
		out = append(out, &c)
	}
	return out, nil
}

func (s *MemoryStore) SaveWorkstation(_ context.Context, w *domain.Workstation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *w
	s.workstations[w.ID] = &c
	return nil
}

func (s *MemoryStore) GetWorkstation(_ context.Context, id string) (*domain.Workstation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workstations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *w
	return &c, nil
}

func (s *MemoryStore) GetWorkstationByInternalName(_ context.Context, name string) (*domain.Workstation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		return nil, ErrNotFound
	}
	for _, w := range s.workstations {
		if w.EngineInternalName == name {
			c := *w
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveReservation(_ context.Context, r *domain.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *r
	s.reservations[r.ID] = &c
	return nil
}

func (s *MemoryStore) GetReservation(_ context.Context, id string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reservations[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *r
	return &c, nil
}

func (s *MemoryStore) ListReservations(_ context.Context) ([]*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*domain.Reservation, 0, len(s.reservations))
	for _, r := range s.reservations {
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestDate.Equal(out[j].RequestDate) {
			return out[i].ID < out[j].ID
		}
		return out[i].RequestDate.Before(out[j].RequestDate)
	})
	return out, nil
}

func (s *MemoryStore) GetReservationForWorkstation(_ context.Context, workstationID string) (*domain.Reservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.reservations {
		if r.WorkstationID == workstationID && workstationID != "" {
			c := *r
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) SaveProxyMapping(_ context.Context, m *domain.ProxyMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.mappings[m.ID] = &c
	return nil
}

func (s *MemoryStore) GetProxyMapping(_ context.Context, id string) (*domain.ProxyMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mappings[id]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}
