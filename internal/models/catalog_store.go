package models

import (
	"sync/atomic"
	"time"
)

// CatalogStore holds the current Catalog snapshot behind an atomic pointer.
// Reads never block; Replace publishes a new snapshot with the next version.
type CatalogStore struct {
	current atomic.Pointer[Catalog]
	version atomic.Int64
}

// NewCatalogStore returns a store holding an empty snapshot at version 0.
func NewCatalogStore() *CatalogStore {
	s := &CatalogStore{}
	s.current.Store(NewCatalog(nil, 0, time.Time{}))
	return s
}

// Current returns the active snapshot. It is never nil.
func (s *CatalogStore) Current() *Catalog {
	return s.current.Load()
}

// Replace compiles campaigns into a new snapshot and makes it current.
func (s *CatalogStore) Replace(campaigns []Campaign, loadedAt time.Time) *Catalog {
	snap := NewCatalog(campaigns, s.version.Add(1), loadedAt)
	s.current.Store(snap)
	return snap
}
