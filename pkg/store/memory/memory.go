// Package memory is an in-process implementation of store.Store.
package memory

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/goccy/go-json"
)

// feedBuffer bounds how far a watcher may fall behind before writers wait on it.
const feedBuffer = 1024

var ErrClosed = errors.New("memory store closed")

type subscriber struct {
	ch     chan models.ChangeEvent
	done   <-chan struct{}
	closed bool
}

// Store keeps entities and kinds in maps guarded by one lock. Change events
// are published while the write lock is held, so feeds see commit order.
type Store struct {
	mu        sync.RWMutex
	entities  map[models.ObjectID]*models.Entity
	order     []models.ObjectID
	kinds     map[string]*models.Kind
	kindOrder []string
	subs      map[models.Collection][]*subscriber
	closed    bool
	closing   chan struct{}
	now       func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		entities: make(map[models.ObjectID]*models.Entity),
		kinds:    make(map[string]*models.Kind),
		subs:     make(map[models.Collection][]*subscriber),
		closing:  make(chan struct{}),
		now:      time.Now,
	}
}

func cloneEntity(e *models.Entity) *models.Entity {
	return &models.Entity{ID: e.ID, Kind: e.Kind, Fields: e.Fields.Clone()}
}

func cloneKind(k *models.Kind) *models.Kind {
	return &models.Kind{Key: k.Key, KeyPlural: k.KeyPlural, Fields: k.Fields.Clone()}
}

func (s *Store) FindEntities(ctx context.Context, kind string, filter models.Filter) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var found []*models.Entity
	for _, id := range s.order {
		e := s.entities[id]
		if e.Kind != kind || !filter.MatchEntity(e) {
			continue
		}
		found = append(found, cloneEntity(e))
	}
	return found, nil
}

func (s *Store) GetEntity(ctx context.Context, id models.ObjectID) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	return cloneEntity(e), nil
}

func (s *Store) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if entity.Kind == "" {
		return fmt.Errorf("%w: entity has no kind", constants.ErrMalformedInput)
	}
	if entity.ID.IsZero() {
		entity.ID = models.NewObjectID()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.entities[entity.ID]; exists {
		return fmt.Errorf("entity %s already exists", entity.ID)
	}

	stored := cloneEntity(entity)
	if stored.Fields == nil {
		stored.Fields = make(models.JSONMap)
	}
	s.entities[stored.ID] = stored
	s.order = append(s.order, stored.ID)
	return s.publishEntity(ctx, models.ChangeOperationCreate, stored)
}

func (s *Store) UpdateEntity(ctx context.Context, id models.ObjectID, fields models.JSONMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrEntityNotFound, id)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return s.publishEntity(ctx, models.ChangeOperationUpdate, e)
}

func (s *Store) DeleteEntity(ctx context.Context, id models.ObjectID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	e, ok := s.entities[id]
	if !ok {
		return fmt.Errorf("%w: %s", constants.ErrEntityNotFound, id)
	}
	delete(s.entities, id)
	s.order = slices.DeleteFunc(s.order, func(o models.ObjectID) bool { return o == id })
	return s.publishEntity(ctx, models.ChangeOperationDelete, e)
}

func (s *Store) FindKinds(ctx context.Context, filter models.Filter) ([]*models.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	var found []*models.Kind
	for _, key := range s.kindOrder {
		k := s.kinds[key]
		if filter.MatchKind(k) {
			found = append(found, cloneKind(k))
		}
	}
	return found, nil
}

func (s *Store) ResolveKind(ctx context.Context, ref string) (*models.Kind, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}

	for _, key := range s.kindOrder {
		if k := s.kinds[key]; k.Matches(ref) {
			return cloneKind(k), nil
		}
	}
	return nil, nil
}

func (s *Store) CreateKind(ctx context.Context, kind *models.Kind) error {
	if kind.Key == "" {
		return fmt.Errorf("%w: kind has no key", constants.ErrMalformedInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if _, exists := s.kinds[kind.Key]; exists {
		return fmt.Errorf("kind %q already exists", kind.Key)
	}

	stored := cloneKind(kind)
	if stored.Fields == nil {
		stored.Fields = make(models.JSONMap)
	}
	s.kinds[stored.Key] = stored
	s.kindOrder = append(s.kindOrder, stored.Key)
	return s.publishKind(ctx, models.ChangeOperationCreate, stored)
}

func (s *Store) UpdateKind(ctx context.Context, key string, changed models.JSONMap) (models.UpdateResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return models.UpdateResult{}, ErrClosed
	}

	k, ok := s.kinds[key]
	if !ok {
		return models.UpdateResult{}, nil
	}
	updated := cloneKind(k)
	updated.Apply(changed)
	if updated.Key != key {
		if _, taken := s.kinds[updated.Key]; taken {
			return models.UpdateResult{}, fmt.Errorf("kind %q already exists", updated.Key)
		}
		delete(s.kinds, key)
		s.kindOrder[slices.Index(s.kindOrder, key)] = updated.Key
	}
	s.kinds[updated.Key] = updated
	if err := s.publishKind(ctx, models.ChangeOperationUpdate, updated); err != nil {
		return models.UpdateResult{}, err
	}
	return models.UpdateResult{Matched: 1, Modified: 1}, nil
}

// Watch subscribes to one collection's feed until ctx ends or the store closes.
func (s *Store) Watch(ctx context.Context, collection models.Collection) (<-chan models.ChangeEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}

	sub := &subscriber{ch: make(chan models.ChangeEvent, feedBuffer), done: ctx.Done()}
	s.subs[collection] = append(s.subs[collection], sub)

	go func() {
		select {
		case <-ctx.Done():
		case <-s.closing:
			return
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.subs[collection] = slices.DeleteFunc(s.subs[collection], func(o *subscriber) bool { return o == sub })
		if !sub.closed {
			sub.closed = true
			close(sub.ch)
		}
	}()
	return sub.ch, nil
}

func (s *Store) Migrate(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.closing)
	for _, subs := range s.subs {
		for _, sub := range subs {
			if !sub.closed {
				sub.closed = true
				close(sub.ch)
			}
		}
	}
	clear(s.subs)
	return nil
}

func (s *Store) publishEntity(ctx context.Context, op models.ChangeOperation, e *models.Entity) error {
	event := models.ChangeEvent{
		Collection: models.CollectionEntities,
		Operation:  op,
		DocumentID: e.ID.String(),
		Kind:       e.Kind,
	}
	if op != models.ChangeOperationDelete {
		doc, err := json.Marshal(e.Document())
		if err != nil {
			return fmt.Errorf("encode change document: %w", err)
		}
		event.Document = doc
	}
	s.publish(ctx, event)
	return nil
}

func (s *Store) publishKind(ctx context.Context, op models.ChangeOperation, k *models.Kind) error {
	doc, err := json.Marshal(k.Document())
	if err != nil {
		return fmt.Errorf("encode change document: %w", err)
	}
	s.publish(ctx, models.ChangeEvent{
		Collection: models.CollectionKinds,
		Operation:  op,
		DocumentID: k.Key,
		Kind:       k.Key,
		Document:   doc,
	})
	return nil
}

// publish must be called with the write lock held.
func (s *Store) publish(ctx context.Context, event models.ChangeEvent) {
	event.ChangedAt = s.now()
	for _, sub := range s.subs[event.Collection] {
		select {
		case sub.ch <- event:
		case <-sub.done:
		case <-ctx.Done():
			// committed anyway; this subscriber misses the event
		}
	}
}
