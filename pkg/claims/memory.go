package claims

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local claim table.
type MemoryStore struct {
	mu     sync.Mutex
	claims map[string]Claim
}

// NewMemoryStore creates an empty in-memory claim store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{claims: make(map[string]Claim)}
}

// ClaimAll implements Store.
func (s *MemoryStore) ClaimAll(_ context.Context, executionID string, serverIDs []string, at time.Time) (map[string][]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	holders := make(map[string][]string)
	for _, id := range serverIDs {
		if c, ok := s.claims[id]; ok && c.ExecutionID != executionID {
			holders[c.ExecutionID] = append(holders[c.ExecutionID], id)
		}
	}
	if len(holders) > 0 {
		for _, ids := range holders {
			sort.Strings(ids)
		}
		return holders, nil
	}

	for _, id := range serverIDs {
		if _, ok := s.claims[id]; ok {
			continue
		}
		s.claims[id] = Claim{ServerID: id, ExecutionID: executionID, ClaimedAt: at}
	}
	return nil, nil
}

// ReleaseAll implements Store.
func (s *MemoryStore) ReleaseAll(_ context.Context, executionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, c := range s.claims {
		if c.ExecutionID == executionID {
			delete(s.claims, id)
			n++
		}
	}
	return n, nil
}

// ListClaims implements Store.
func (s *MemoryStore) ListClaims(_ context.Context) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Claim, 0, len(s.claims))
	for _, c := range s.claims {
		out = append(out, c)
	}
	return out, nil
}
