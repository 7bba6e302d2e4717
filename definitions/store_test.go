package definitions

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestStoreInterfaceExists verifies at compile-time that the stores implement Store
func TestStoreInterfaceExists(t *testing.T) {
	var _ Store = (*InMemoryStore)(nil)
	var _ Store = (*PostgresStore)(nil)
	var _ OutboxWriter = (*PostgresStore)(nil)
}

func TestInMemoryStoreCreate(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "create schema Tick()"})
	require.NoError(t, err)

	assert.NotEmpty(t, created.ID, "Create() should assign an ID")
	assert.Equal(t, int64(1), created.Version)
	assert.Equal(t, KindEventType, created.Kind)
	assert.False(t, created.CreatedAt.IsZero() || created.UpdatedAt.IsZero(), "Create() should set timestamps")

	retrieved, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tick", retrieved.Name)
}

func TestInMemoryStoreCreateDuplicateName(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	_, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)

	_, err = store.Create(ctx, &Definition{Name: "Tick", Content: "b"})
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestInMemoryStoreKindsAreIndependent(t *testing.T) {
	types := NewInMemoryStore(KindEventType)
	patterns := NewInMemoryStore(KindEventPattern)
	ctx := context.Background()

	_, err := types.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)
	_, err = patterns.Create(ctx, &Definition{Name: "Tick", Content: "b"})
	assert.NoError(t, err, "the same name in another kind is allowed")
}

func TestInMemoryStoreRejectsStagedAndDeployed(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	_, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a", ReadyToDeploy: true, Deployed: true})
	assert.ErrorIs(t, err, ErrInvalid)

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)
	created.ReadyToDeploy = true
	created.Deployed = true
	_, err = store.Update(ctx, created)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestInMemoryStoreGetNotFound(t *testing.T) {
	store := NewInMemoryStore(KindEventType)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStoreReturnsCopies(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)
	created.Name = "Mutated"

	retrieved, err := store.Get(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Tick", retrieved.Name, "mutating a returned record changed the store")
}

func TestInMemoryStoreUpdate(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)

	next := created.Clone()
	next.Name = "Tock"
	next.Content = "b"
	updated, err := store.Update(ctx, next)
	require.NoError(t, err)

	assert.Equal(t, int64(2), updated.Version)
	assert.True(t, updated.CreatedAt.Equal(created.CreatedAt), "Update() should preserve CreatedAt")

	// The old name is free again
	byOld, err := store.FindByName(ctx, "Tick")
	require.NoError(t, err)
	assert.Empty(t, byOld)

	byNew, err := store.FindByName(ctx, "Tock")
	require.NoError(t, err)
	require.Len(t, byNew, 1)
	assert.Equal(t, created.ID, byNew[0].ID)
}

func TestInMemoryStoreUpdateStaleVersion(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)

	first := created.Clone()
	first.ReadyToDeploy = true
	_, err = store.Update(ctx, first)
	require.NoError(t, err)

	second := created.Clone()
	second.Content = "b"
	_, err = store.Update(ctx, second)
	assert.ErrorIs(t, err, ErrStale)
}

func TestInMemoryStoreUpdateNameConflict(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	_, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)
	other, err := store.Create(ctx, &Definition{Name: "Tock", Content: "b"})
	require.NoError(t, err)

	other.Name = "Tick"
	_, err = store.Update(ctx, other)
	assert.ErrorIs(t, err, ErrNameConflict)
}

func TestInMemoryStoreDelete(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	created, err := store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, created.ID))
	_, err = store.Get(ctx, created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete(ctx, created.ID), ErrNotFound)

	// Name can be reused
	_, err = store.Create(ctx, &Definition{Name: "Tick", Content: "a"})
	assert.NoError(t, err)
}

func TestInMemoryStoreList(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	empty, err := store.List(ctx)
	require.NoError(t, err)
	assert.NotNil(t, empty)
	assert.Empty(t, empty)

	for i := 0; i < 5; i++ {
		_, err := store.Create(ctx, &Definition{Name: fmt.Sprintf("def-%d", i), Content: "c"})
		require.NoError(t, err)
	}

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i].CreatedAt.Before(all[i-1].CreatedAt), "List() not ordered by creation time at index %d", i)
	}
}

func TestInMemoryStoreConcurrentCreate(t *testing.T) {
	store := NewInMemoryStore(KindEventType)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make(chan error, 50)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Half the goroutines race for the same name
			name := fmt.Sprintf("def-%d", i)
			if i%2 == 0 {
				name = "shared"
			}
			_, err := store.Create(ctx, &Definition{Name: name, Content: "c"})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)

	succeeded, conflicts := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, ErrNameConflict):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 26, succeeded)
	assert.Equal(t, 24, conflicts)
}
