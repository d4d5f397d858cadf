// Package memory provides an in-process saved cart store for single-node
// deployments and local development.
package memory

import (
	"context"
	"slices"
	"sort"
	"sync"

	"github.com/utafrali/selfscan-checkout/internal/retry"
)

// SavedCartStore implements retry.Store in memory.
type SavedCartStore struct {
	mu    sync.RWMutex
	carts map[string][]retry.SavedCart
}

// NewSavedCartStore creates an empty store.
func NewSavedCartStore() *SavedCartStore {
	return &SavedCartStore{carts: make(map[string][]retry.SavedCart)}
}

// Load returns a copy of the project's saved carts.
func (s *SavedCartStore) Load(_ context.Context, projectID string) ([]retry.SavedCart, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := slices.Clone(s.carts[projectID])
	if out == nil {
		out = []retry.SavedCart{}
	}
	return out, nil
}

// Save replaces the project's saved carts.
func (s *SavedCartStore) Save(_ context.Context, projectID string, carts []retry.SavedCart) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(carts) == 0 {
		delete(s.carts, projectID)
		return nil
	}
	s.carts[projectID] = slices.Clone(carts)
	return nil
}

// Projects returns every project that has saved carts.
func (s *SavedCartStore) Projects(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]string, 0, len(s.carts))
	for id := range s.carts {
		projects = append(projects, id)
	}
	sort.Strings(projects)
	return projects, nil
}
