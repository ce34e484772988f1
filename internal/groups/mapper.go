// Package groups resolves composite group paths into stable surrogate ids.
package groups

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
)

// Mapper resolves a group path like "local.0" through the external group
// service exactly once, persists the mapping, and caches it per process.
type Mapper struct {
	resolver storage.GroupResolver
	store    storage.GroupMappingStore

	mu    sync.Mutex
	cache map[string]*storage.GroupMapping
}

// NewMapper builds a mapper over the external resolver and the mapping store.
func NewMapper(resolver storage.GroupResolver, store storage.GroupMappingStore) *Mapper {
	return &Mapper{
		resolver: resolver,
		store:    store,
		cache:    make(map[string]*storage.GroupMapping),
	}
}

// MappingForPath returns the surrogate mapping for a composite group path,
// resolving and persisting it on first sight.
func (m *Mapper) MappingForPath(ctx context.Context, path string) (*storage.GroupMapping, error) {
	m.mu.Lock()
	if mapping, ok := m.cache[path]; ok {
		m.mu.Unlock()
		return mapping, nil
	}
	m.mu.Unlock()

	identity, err := m.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolve group path %q: %w", path, err)
	}

	mapping, err := m.mappingForIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.cache[path] = mapping
	m.mu.Unlock()
	return mapping, nil
}

// LookupPath returns the mapping for a composite group path without creating
// one. A path no aggregation run has persisted reports storage.ErrNotFound.
func (m *Mapper) LookupPath(ctx context.Context, path string) (*storage.GroupMapping, error) {
	m.mu.Lock()
	if mapping, ok := m.cache[path]; ok {
		m.mu.Unlock()
		return mapping, nil
	}
	m.mu.Unlock()

	identity, err := m.resolver.Resolve(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("resolve group path %q: %w", path, err)
	}

	mapping, err := m.store.GetGroupMapping(ctx, identity.Service, identity.Name)
	if err != nil {
		return nil, fmt.Errorf("group mapping %s.%s: %w", identity.Service, identity.Name, err)
	}

	m.mu.Lock()
	m.cache[path] = mapping
	m.mu.Unlock()
	return mapping, nil
}

// mappingForIdentity is get-or-create over the mapping store; a losing
// concurrent insert falls back to lookup.
func (m *Mapper) mappingForIdentity(ctx context.Context, identity storage.GroupIdentity) (*storage.GroupMapping, error) {
	mapping, err := m.store.GetGroupMapping(ctx, identity.Service, identity.Name)
	if err == nil {
		return mapping, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup group mapping %s.%s: %w", identity.Service, identity.Name, err)
	}

	mapping = &storage.GroupMapping{Service: identity.Service, Name: identity.Name}
	err = m.store.CreateGroupMapping(ctx, mapping)
	if errors.Is(err, storage.ErrDuplicate) {
		return m.store.GetGroupMapping(ctx, identity.Service, identity.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("create group mapping %s.%s: %w", identity.Service, identity.Name, err)
	}
	return mapping, nil
}
