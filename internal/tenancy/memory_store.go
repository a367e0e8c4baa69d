package tenancy

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory Store used by tests and local development.
type MemoryStore struct {
	mu         sync.RWMutex
	tenants    map[string]*Tenant
	chains     map[string]*Chain
	properties map[string]*Property
	apiKeys    map[string]*APIKey
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tenants:    make(map[string]*Tenant),
		chains:     make(map[string]*Chain),
		properties: make(map[string]*Property),
		apiKeys:    make(map[string]*APIKey),
	}
}

func (s *MemoryStore) GetTenant(ctx context.Context, tenantID string) (*Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tenants[tenantID]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateTenant(ctx context.Context, t *Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tenants[t.TenantID] = &cp
	return nil
}

func (s *MemoryStore) UpdateTenant(ctx context.Context, t *Tenant) error {
	return s.CreateTenant(ctx, t)
}

func (s *MemoryStore) GetChain(ctx context.Context, chainID string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.chains[chainID]; ok {
		cp := *c
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) GetChainByCode(ctx context.Context, code string) (*Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.chains {
		if c.Code == code {
			cp := *c
			return &cp, nil
		}
	}
	return nil, nil
}

func (s *MemoryStore) CreateChain(ctx context.Context, c *Chain) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.chains[c.ChainID] = &cp
	return nil
}

func (s *MemoryStore) GetProperty(ctx context.Context, propertyID string) (*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.properties[propertyID]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateProperty(ctx context.Context, p *Property) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.properties[p.PropertyID] = &cp
	return nil
}

func (s *MemoryStore) UpdateProperty(ctx context.Context, p *Property) error {
	return s.CreateProperty(ctx, p)
}

func (s *MemoryStore) ListChildren(ctx context.Context, propertyID string) ([]*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Property
	for _, p := range s.properties {
		if p.ParentPropertyID == propertyID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) ListChainProperties(ctx context.Context, chainID string) ([]*Property, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Property
	for _, p := range s.properties {
		if p.ChainID == chainID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetAPIKey(ctx context.Context, keyID string) (*APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if k, ok := s.apiKeys[keyID]; ok {
		cp := *k
		return &cp, nil
	}
	return nil, nil
}

func (s *MemoryStore) CreateAPIKey(ctx context.Context, k *APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *k
	s.apiKeys[k.KeyID] = &cp
	return nil
}
