// Package query runs client queries against the store and files them in the
// registry so they are re-run when their data changes.
package query

import (
	"context"
	"errors"
	"fmt"

	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/protocol"
	"github.com/frontbase/frontbase/pkg/registry"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Subscriber is the connection a query belongs to.
type Subscriber interface {
	registry.Sink
	ID() string
}

// Executor is stateless apart from its collaborators; it is shared by all connections.
type Executor struct {
	store    store.Store
	registry *registry.Registry
	log      zerolog.Logger
}

func NewExecutor(s store.Store, r *registry.Registry, log zerolog.Logger) *Executor {
	return &Executor{
		store:    s,
		registry: r,
		log:      log.With().Str("component", "query").Logger(),
	}
}

func newQueryID() string {
	return uuid.NewString()
}

// RunCollectionQuery resolves kindRef to its canonical kind, registers a
// collection job for sub under that kind and returns the registration with the
// job to run first. The caller queues that initial run once the client has
// been told the query id.
func (e *Executor) RunCollectionQuery(ctx context.Context, sub Subscriber, kindRef string, filter models.Filter) (registry.Registration, registry.Job, error) {
	kind, err := e.store.ResolveKind(ctx, kindRef)
	if err != nil {
		return registry.Registration{}, registry.Job{}, fmt.Errorf("resolve kind %q: %w", kindRef, err)
	}
	if kind == nil {
		return registry.Registration{}, registry.Job{}, fmt.Errorf("%w: %q", constants.ErrKindNotFound, kindRef)
	}
	normalized, err := filter.Normalize()
	if err != nil {
		return registry.Registration{}, registry.Job{}, err
	}

	job := registry.Job{
		Type:    registry.CollectionJob,
		QueryID: newQueryID(),
		Kind:    kind.Key,
		Filter:  normalized,
	}
	reg := e.registry.Register(kind.Key, registry.Entry{Owner: sub.ID(), Job: job, Sink: sub})
	return reg, job, nil
}

// RunEntityQuery registers a single-entity job under the entity's kind. It
// re-runs on any change to that kind, not only to the entity itself.
func (e *Executor) RunEntityQuery(ctx context.Context, sub Subscriber, entityID string) (registry.Registration, registry.Job, error) {
	id, err := models.ParseObjectID(entityID)
	if err != nil {
		return registry.Registration{}, registry.Job{}, fmt.Errorf("%w: %w", constants.ErrMalformedInput, err)
	}
	entity, err := e.store.GetEntity(ctx, id)
	if err != nil {
		return registry.Registration{}, registry.Job{}, fmt.Errorf("load entity %s: %w", id, err)
	}
	if entity == nil {
		return registry.Registration{}, registry.Job{}, fmt.Errorf("%w: %s", constants.ErrEntityNotFound, id)
	}

	job := registry.Job{
		Type:     registry.EntityJob,
		QueryID:  newQueryID(),
		Kind:     entity.Kind,
		Filter:   models.Filter{models.IDField: id},
		EntityID: id,
	}
	reg := e.registry.Register(entity.Kind, registry.Entry{Owner: sub.ID(), Job: job, Sink: sub})
	return reg, job, nil
}

// RunKindQuery registers a kind-descriptor listing as a model listener.
func (e *Executor) RunKindQuery(ctx context.Context, sub Subscriber, filter models.Filter) (registry.Registration, registry.Job, error) {
	normalized, err := filter.Normalize()
	if err != nil {
		return registry.Registration{}, registry.Job{}, err
	}
	job := registry.Job{
		Type:    registry.KindJob,
		QueryID: newQueryID(),
		Filter:  normalized,
	}
	reg := e.registry.RegisterModelListener(registry.Entry{Owner: sub.ID(), Job: job, Sink: sub})
	return reg, job, nil
}

// Execute runs job against the current store contents. Failures are reported
// in the result, never returned.
func (e *Executor) Execute(ctx context.Context, job registry.Job) protocol.Result {
	data, err := e.execute(ctx, job)
	if err != nil {
		e.log.Error().Err(err).
			Str("query_id", job.QueryID).
			Stringer("job", job.Type).
			Str("kind", job.Kind).
			Msg("query failed")
		return protocol.Failed(err)
	}
	return protocol.OK(data)
}

func (e *Executor) execute(ctx context.Context, job registry.Job) (any, error) {
	switch job.Type {
	case registry.CollectionJob:
		found, err := e.store.FindEntities(ctx, job.Kind, job.Filter)
		if err != nil {
			return nil, err
		}
		return documents(found), nil
	case registry.EntityJob:
		entity, err := e.store.GetEntity(ctx, job.EntityID)
		if err != nil {
			return nil, err
		}
		if entity == nil {
			return nil, nil
		}
		return document(entity), nil
	case registry.KindJob:
		kinds, err := e.store.FindKinds(ctx, job.Filter)
		if err != nil {
			return nil, err
		}
		return models.KindDocuments(kinds), nil
	default:
		return nil, fmt.Errorf("unknown job type %d", job.Type)
	}
}

// document hides credentials of user entities.
func document(e *models.Entity) models.JSONMap {
	if e.Kind == constants.UserKind {
		return e.Without(constants.PasswordField)
	}
	return e.Document()
}

func documents(entities []*models.Entity) []models.JSONMap {
	docs := make([]models.JSONMap, 0, len(entities))
	for _, e := range entities {
		docs = append(docs, document(e))
	}
	return docs
}

// UpdateKind applies a partial update to the kind keyed by key. key arrives
// straight off the wire and must be a string.
func (e *Executor) UpdateKind(ctx context.Context, key any, changed any) protocol.UpdateResponse {
	k, ok := key.(string)
	if !ok || k == "" {
		return protocol.UpdateResponse{Error: fmt.Sprintf("%v: kind key must be a non-empty string", constants.ErrMalformedInput)}
	}
	fields, ok := changed.(map[string]any)
	if !ok {
		return protocol.UpdateResponse{Error: fmt.Sprintf("%v: changed fields must be an object", constants.ErrMalformedInput)}
	}

	res, err := e.store.UpdateKind(ctx, k, fields)
	if err != nil {
		e.log.Error().Err(err).Str("kind", k).Msg("update kind")
		return protocol.UpdateResponse{Error: err.Error()}
	}
	if res.Matched == 0 {
		return protocol.UpdateResponse{Error: constants.ErrKindNotFound.Error()}
	}
	return protocol.UpdateResponse{Success: true, Result: &res}
}

// IsClientError reports whether err was caused by the request rather than the server.
func IsClientError(err error) bool {
	return errors.Is(err, constants.ErrMalformedInput) ||
		errors.Is(err, constants.ErrKindNotFound) ||
		errors.Is(err, constants.ErrEntityNotFound)
}
