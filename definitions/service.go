package definitions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samber/lo"

	"github.com/liamcoop/api4cep/lock"
)

// Dispatcher notifies the CEP engine. *dispatch.Dispatcher satisfies it.
type Dispatcher interface {
	PublishDeploy(ctx context.Context, content string) error
	PublishUndeploy(ctx context.Context, name string) error
}

// Service runs lifecycle operations for one kind of definition: it loads the
// record, asks Decide for a verdict, writes the store and then notifies the
// engine. The store write always precedes the publish.
type Service struct {
	kind       Kind
	store      Store
	dispatcher Dispatcher
	outbox     OutboxWriter
	locker     lock.Locker
	filter     *Filter
	metrics    *Metrics
	logger     *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the audit and warning logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithLocker replaces the in-process per-identifier lock.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithMetrics attaches Prometheus counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithOutbox routes messages through a transactional outbox instead of
// publishing them inline. A relay must deliver the outbox.
func WithOutbox(w OutboxWriter) Option {
	return func(s *Service) { s.outbox = w }
}

// NewService creates the service for kind.
func NewService(kind Kind, store Store, dispatcher Dispatcher, opts ...Option) (*Service, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}
	filter, err := NewFilter()
	if err != nil {
		return nil, err
	}

	s := &Service{
		kind:       kind,
		store:      store,
		dispatcher: dispatcher,
		locker:     lock.NewKeyedMutex(),
		filter:     filter,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("kind", string(kind))

	if s.outbox == nil && s.dispatcher == nil {
		return nil, errors.New("a dispatcher or an outbox is required")
	}
	return s, nil
}

// Kind returns the kind this service manages.
func (s *Service) Kind() Kind {
	return s.kind
}

// Create stores a new definition in Draft.
func (s *Service) Create(ctx context.Context, e Edit) (*Definition, error) {
	def, err := s.create(ctx, e)
	s.metrics.record(s.kind, "create", err)
	if err != nil {
		s.logger.Warn("create failed", "user", PrincipalFrom(ctx), "name", e.Name, "error", err)
		return nil, err
	}
	s.logger.Info("created "+s.kind.Label(), "user", PrincipalFrom(ctx), "id", def.ID, "name", def.Name)
	return def, nil
}

func (s *Service) create(ctx context.Context, e Edit) (*Definition, error) {
	if err := ValidateEdit(e); err != nil {
		return nil, err
	}
	return s.store.Create(ctx, &Definition{
		Kind:    s.kind,
		Name:    e.Name,
		Content: e.Content,
	})
}

// Get returns the definition with the given ID.
func (s *Service) Get(ctx context.Context, id string) (*Definition, error) {
	return s.store.Get(ctx, id)
}

// FindByName returns every definition called name.
func (s *Service) FindByName(ctx context.Context, name string) ([]*Definition, error) {
	return s.store.FindByName(ctx, name)
}

// List returns all definitions, or only those matching a CEL filter when
// filter is non-empty.
func (s *Service) List(ctx context.Context, filter string) ([]*Definition, error) {
	all, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	if filter == "" {
		return all, nil
	}
	if _, err := s.filter.Compile(filter); err != nil {
		return nil, err
	}

	matched := make([]*Definition, 0, len(all))
	for _, def := range all {
		ok, err := s.filter.Match(filter, def)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, def)
		}
	}
	return matched, nil
}

// Update replaces name and content. Staged definitions cannot be edited; an
// active definition is redeployed (undeploy old name, then deploy new content).
func (s *Service) Update(ctx context.Context, id string, e Edit) (*Definition, error) {
	return s.transition(ctx, id, Request{Op: OpEdit, Edit: e})
}

// Stage marks a draft ready to deploy.
func (s *Service) Stage(ctx context.Context, id string) (*Definition, error) {
	return s.transition(ctx, id, Request{Op: OpStage})
}

// Unstage clears the ready-to-deploy flag.
func (s *Service) Unstage(ctx context.Context, id string) (*Definition, error) {
	return s.transition(ctx, id, Request{Op: OpUnstage})
}

// Deploy marks the definition deployed and sends its content to the engine.
func (s *Service) Deploy(ctx context.Context, id string) (*Definition, error) {
	return s.transition(ctx, id, Request{Op: OpDeploy})
}

// Undeploy marks the definition not deployed and tells the engine to drop it.
func (s *Service) Undeploy(ctx context.Context, id string) (*Definition, error) {
	return s.transition(ctx, id, Request{Op: OpUndeploy})
}

// Delete removes a draft definition.
func (s *Service) Delete(ctx context.Context, id string) error {
	_, err := s.transition(ctx, id, Request{Op: OpDelete})
	return err
}

func (s *Service) transition(ctx context.Context, id string, req Request) (*Definition, error) {
	def, err := s.apply(ctx, id, req)
	s.metrics.record(s.kind, req.Op.String(), err)

	user := PrincipalFrom(ctx)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("user %s failed to %s %s", user, req.Op, s.kind.Label()),
			"user", user, "id", id, "op", req.Op.String(), "outcome", outcome(err), "error", err)
		return nil, err
	}
	s.logger.Info(fmt.Sprintf("user %s did %s on %s", user, req.Op, s.kind.Label()),
		"user", user, "id", id, "op", req.Op.String(), "outcome", outcome(nil))
	return def, nil
}

func (s *Service) apply(ctx context.Context, id string, req Request) (*Definition, error) {
	ctx, unlock, err := lock.Acquire(ctx, s.locker, string(s.kind)+"/"+id)
	if err != nil {
		return nil, fmt.Errorf("lock definition %s: %w", id, err)
	}
	defer unlock()

	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// NotFound, then IllegalTransition, then Invalid.
	decision, err := Decide(current, req)
	if err != nil {
		return nil, err
	}
	if req.Op == OpEdit {
		if err := ValidateEdit(req.Edit); err != nil {
			return nil, err
		}
	}

	if decision.Delete {
		if err := s.store.Delete(ctx, id); err != nil {
			return nil, err
		}
		return current, nil
	}
	if decision.Unchanged {
		return current, nil
	}

	if s.outbox != nil {
		return s.outbox.UpdateWithEffects(ctx, decision.Next, decision.Effects)
	}

	stored, err := s.store.Update(ctx, decision.Next)
	if err != nil {
		return nil, err
	}

	if err := s.publish(ctx, decision.Effects); err != nil {
		s.metrics.inconsistent(s.kind)
		s.logger.Warn("definition committed but engine was not notified",
			"id", id,
			"op", req.Op.String(),
			"deployed", stored.Deployed,
			"queues", lo.Map(decision.Effects, func(e Effect, _ int) string { return e.Message().Queue }),
			"error", err)
		return nil, err
	}
	return stored, nil
}

// publish sends effects in order and stops at the first failure so a deploy
// never overtakes a failed undeploy.
func (s *Service) publish(ctx context.Context, effects []Effect) error {
	for _, e := range effects {
		var err error
		switch e.Kind {
		case EffectDeploy:
			err = s.dispatcher.PublishDeploy(ctx, e.Payload)
		case EffectUndeploy:
			err = s.dispatcher.PublishUndeploy(ctx, e.Payload)
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrDispatchUnavailable, e.Message().Queue, err)
		}
	}
	return nil
}
