package mfa

import (
	"context"
	"sync"
)

// MemoryStore keeps enrollments in process, for tests and local runs.
type MemoryStore struct {
	mu          sync.RWMutex
	enrollments map[string]*Enrollment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{enrollments: make(map[string]*Enrollment)}
}

func (s *MemoryStore) GetEnrollment(ctx context.Context, userID string) (*Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[userID]
	if !ok {
		return nil, nil
	}
	cp := *e
	cp.RecoveryCodes = append([]RecoveryCode(nil), e.RecoveryCodes...)
	return &cp, nil
}

func (s *MemoryStore) SaveEnrollment(ctx context.Context, e *Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	cp.RecoveryCodes = append([]RecoveryCode(nil), e.RecoveryCodes...)
	s.enrollments[e.UserID] = &cp
	return nil
}
