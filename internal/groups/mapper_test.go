package groups

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/portalstats-lab/portalstats/internal/core/storage"
	"github.com/portalstats-lab/portalstats/internal/core/storage/memory"
)

// countingResolver counts external resolutions so tests can assert caching.
type countingResolver struct {
	inner storage.GroupResolver
	calls int
}

func (r *countingResolver) Resolve(ctx context.Context, path string) (storage.GroupIdentity, error) {
	r.calls++
	return r.inner.Resolve(ctx, path)
}

func TestPathResolver(t *testing.T) {
	resolver := NewPathResolver()
	ctx := context.Background()

	identity, err := resolver.Resolve(ctx, "local.0")
	require.NoError(t, err)
	assert.Equal(t, storage.GroupIdentity{Service: "local", Name: "0"}, identity)

	// Only the first dot splits; the rest stays in the name.
	identity, err = resolver.Resolve(ctx, "local.students.year1")
	require.NoError(t, err)
	assert.Equal(t, storage.GroupIdentity{Service: "local", Name: "students.year1"}, identity)

	for _, bad := range []string{"", "local", "local.", ".0"} {
		_, err := resolver.Resolve(ctx, bad)
		assert.Error(t, err, "path %q", bad)
	}
}

func TestMappingForPathResolvesOnce(t *testing.T) {
	resolver := &countingResolver{inner: NewPathResolver()}
	store := memory.NewStore()
	mapper := NewMapper(resolver, store)
	ctx := context.Background()

	first, err := mapper.MappingForPath(ctx, "local.0")
	require.NoError(t, err)
	assert.NotZero(t, first.ID)

	second, err := mapper.MappingForPath(ctx, "local.0")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, resolver.calls)

	// The mapping is durable, not just cached.
	persisted, err := store.GetGroupMapping(ctx, "local", "0")
	require.NoError(t, err)
	assert.Equal(t, first.ID, persisted.ID)
}

func TestMappingForPathDistinctGroups(t *testing.T) {
	mapper := NewMapper(NewPathResolver(), memory.NewStore())
	ctx := context.Background()

	a, err := mapper.MappingForPath(ctx, "local.0")
	require.NoError(t, err)
	b, err := mapper.MappingForPath(ctx, "local.1")
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestMappingForPathRecoversFromLostInsertRace(t *testing.T) {
	store := memory.NewStore()
	ctx := context.Background()

	// Another node already persisted the mapping; this mapper's create loses
	// and falls back to lookup.
	existing := &storage.GroupMapping{Service: "local", Name: "0"}
	require.NoError(t, store.CreateGroupMapping(ctx, existing))

	mapper := NewMapper(NewPathResolver(), store)
	mapping, err := mapper.MappingForPath(ctx, "local.0")
	require.NoError(t, err)
	assert.Equal(t, existing.ID, mapping.ID)
}

func TestMappingForPathMalformed(t *testing.T) {
	mapper := NewMapper(NewPathResolver(), memory.NewStore())
	_, err := mapper.MappingForPath(context.Background(), "nodots")
	assert.Error(t, err)
}

func TestLookupPathNeverCreates(t *testing.T) {
	store := memory.NewStore()
	mapper := NewMapper(NewPathResolver(), store)
	ctx := context.Background()

	_, err := mapper.LookupPath(ctx, "local.0")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// The miss left nothing behind in the store.
	_, err = store.GetGroupMapping(ctx, "local", "0")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// Once persisted, lookup finds the same mapping.
	created, err := mapper.MappingForPath(ctx, "local.0")
	require.NoError(t, err)
	found, err := mapper.LookupPath(ctx, "local.0")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
}
