package definitions

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Store persists the definitions of one kind.
// Each call is atomic on its own; no transaction spans calls.
type Store interface {
	// Create assigns an ID, persists def and returns the stored record
	Create(ctx context.Context, def *Definition) (*Definition, error)

	// Get returns the record with the given ID
	Get(ctx context.Context, id string) (*Definition, error)

	// FindByName returns every record called name
	FindByName(ctx context.Context, name string) ([]*Definition, error)

	// Update overwrites the record with def.ID. def.Version must match the
	// stored version; the returned record carries the new version.
	Update(ctx context.Context, def *Definition) (*Definition, error)

	// Delete removes a record
	Delete(ctx context.Context, id string) error

	// List returns every record, oldest first
	List(ctx context.Context) ([]*Definition, error)
}

// OutboxWriter is implemented by stores that can persist a record together
// with the messages it requires in one transaction.
type OutboxWriter interface {
	UpdateWithEffects(ctx context.Context, def *Definition, effects []Effect) (*Definition, error)
}

// InMemoryStore implements Store with a map guarded by an RWMutex.
type InMemoryStore struct {
	kind  Kind
	defs  map[string]*Definition
	names map[string]string // name -> id
	mu    sync.RWMutex
}

// NewInMemoryStore creates an empty store for kind.
func NewInMemoryStore(kind Kind) *InMemoryStore {
	return &InMemoryStore{
		kind:  kind,
		defs:  make(map[string]*Definition),
		names: make(map[string]string),
	}
}

// Create adds a new definition. Name uniqueness is enforced here.
func (s *InMemoryStore) Create(ctx context.Context, def *Definition) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.names[def.Name]; taken {
		return nil, nameConflict(s.kind, def.Name)
	}
	if def.ReadyToDeploy && def.Deployed {
		return nil, fmt.Errorf("%w: staged and deployed are exclusive", ErrInvalid)
	}

	stored := def.Clone()
	stored.ID = uuid.NewString()
	stored.Kind = s.kind
	stored.Version = 1
	now := time.Now()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.defs[stored.ID] = stored
	s.names[stored.Name] = stored.ID
	return stored.Clone(), nil
}

// Get retrieves a definition by ID
func (s *InMemoryStore) Get(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	def, exists := s.defs[id]
	if !exists {
		return nil, notFound(id)
	}
	return def.Clone(), nil
}

// FindByName returns zero or one definitions
func (s *InMemoryStore) FindByName(ctx context.Context, name string) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.names[name]
	if !ok {
		return []*Definition{}, nil
	}
	return []*Definition{s.defs[id].Clone()}, nil
}

// Update overwrites an existing definition.
// CreatedAt is preserved and UpdatedAt is refreshed.
func (s *InMemoryStore) Update(ctx context.Context, def *Definition) (*Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.defs[def.ID]
	if !exists {
		return nil, notFound(def.ID)
	}
	if existing.Version != def.Version {
		return nil, fmt.Errorf("definition %s at version %d, have %d: %w",
			def.ID, existing.Version, def.Version, ErrStale)
	}
	if owner, taken := s.names[def.Name]; taken && owner != def.ID {
		return nil, nameConflict(s.kind, def.Name)
	}
	if def.ReadyToDeploy && def.Deployed {
		return nil, fmt.Errorf("%w: staged and deployed are exclusive", ErrInvalid)
	}

	stored := def.Clone()
	stored.Kind = s.kind
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	stored.Version = existing.Version + 1

	delete(s.names, existing.Name)
	s.names[stored.Name] = stored.ID
	s.defs[stored.ID] = stored
	return stored.Clone(), nil
}

// Delete removes a definition from the store
func (s *InMemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.defs[id]
	if !exists {
		return notFound(id)
	}

	delete(s.names, existing.Name)
	delete(s.defs, id)
	return nil
}

// List returns all definitions ordered by creation time
func (s *InMemoryStore) List(ctx context.Context) ([]*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := make([]*Definition, 0, len(s.defs))
	for _, def := range s.defs {
		all = append(all, def.Clone())
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID < all[j].ID
		}
		return all[i].CreatedAt.Before(all[j].CreatedAt)
	})
	return all, nil
}
