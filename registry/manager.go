// Package registry holds one definitions.Service per kind.
package registry

import (
	"database/sql"
	"fmt"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/liamcoop/api4cep/definitions"
)

// StoreFactory builds the store for a kind.
type StoreFactory func(kind definitions.Kind) definitions.Store

// PostgresStores returns a factory of kind-scoped PostgreSQL stores.
func PostgresStores(db *sql.DB) StoreFactory {
	return func(kind definitions.Kind) definitions.Store {
		return definitions.NewPostgresStore(db, kind)
	}
}

// MemoryStores returns a factory of in-memory stores.
func MemoryStores() StoreFactory {
	return func(kind definitions.Kind) definitions.Store {
		return definitions.NewInMemoryStore(kind)
	}
}

// Manager manages the services for all kinds
type Manager struct {
	services    map[definitions.Kind]*definitions.Service
	newStore    StoreFactory
	dispatcher  definitions.Dispatcher
	useOutbox   bool
	serviceOpts []definitions.Option
	mu          sync.RWMutex
}

// Option configures a Manager.
type Option func(*Manager)

// WithServiceOptions passes options to every service the manager creates.
func WithServiceOptions(opts ...definitions.Option) Option {
	return func(m *Manager) { m.serviceOpts = append(m.serviceOpts, opts...) }
}

// WithOutbox makes every service write messages to its store's outbox.
// Each store must implement definitions.OutboxWriter.
func WithOutbox() Option {
	return func(m *Manager) { m.useOutbox = true }
}

// NewManager creates a new manager instance
func NewManager(newStore StoreFactory, dispatcher definitions.Dispatcher, opts ...Option) *Manager {
	m := &Manager{
		services:   make(map[definitions.Kind]*definitions.Service),
		newStore:   newStore,
		dispatcher: dispatcher,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// LoadAllKinds registers a service for every known kind
func (m *Manager) LoadAllKinds() error {
	for _, kind := range definitions.Kinds() {
		if err := m.Register(kind); err != nil {
			return fmt.Errorf("failed to initialize %s: %w", kind, err)
		}
	}
	return nil
}

// Register creates the service for kind, replacing any existing one
func (m *Manager) Register(kind definitions.Kind) error {
	store := m.newStore(kind)

	opts := append([]definitions.Option{}, m.serviceOpts...)
	if m.useOutbox {
		w, ok := store.(definitions.OutboxWriter)
		if !ok {
			return fmt.Errorf("store for %s does not support an outbox", kind)
		}
		opts = append(opts, definitions.WithOutbox(w))
	}

	svc, err := definitions.NewService(kind, store, m.dispatcher, opts...)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	m.mu.Lock()
	m.services[kind] = svc
	m.mu.Unlock()
	return nil
}

// Service retrieves the service for a specific kind
func (m *Manager) Service(kind definitions.Kind) (*definitions.Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	svc, exists := m.services[kind]
	if !exists {
		return nil, fmt.Errorf("kind %s not registered", kind)
	}
	return svc, nil
}

// Kinds returns all registered kinds in sorted order
func (m *Manager) Kinds() []definitions.Kind {
	m.mu.RLock()
	kinds := lo.Keys(m.services)
	m.mu.RUnlock()

	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Remove drops the service for kind. Stored definitions are untouched.
func (m *Manager) Remove(kind definitions.Kind) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.services[kind]; !exists {
		return fmt.Errorf("kind %s not registered", kind)
	}
	delete(m.services, kind)
	return nil
}
