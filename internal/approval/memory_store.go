package approval

import (
	"context"
	"sync"
)

// MemoryStore keeps requests in process, for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*Request
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*Request)}
}

func (s *MemoryStore) SaveRequest(ctx context.Context, req *Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[req.ID] = copyRequest(req)
	return nil
}

func (s *MemoryStore) GetRequest(ctx context.Context, id string) (*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	req, ok := s.requests[id]
	if !ok {
		return nil, nil
	}
	return copyRequest(req), nil
}

func (s *MemoryStore) ListRequests(ctx context.Context, tenantID string, status Status) ([]*Request, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Request
	for _, req := range s.requests {
		if tenantID != "" && req.TenantID != tenantID {
			continue
		}
		if status != "" && req.Status != status {
			continue
		}
		out = append(out, copyRequest(req))
	}
	return out, nil
}

func copyRequest(req *Request) *Request {
	cp := *req
	cp.Changes = append([]Change(nil), req.Changes...)
	cp.RequiredApprovers = append([]string(nil), req.RequiredApprovers...)
	cp.Approvals = append([]Decision(nil), req.Approvals...)
	cp.Rejections = append([]Decision(nil), req.Rejections...)
	if req.Override != nil {
		o := *req.Override
		cp.Override = &o
	}
	return &cp
}
