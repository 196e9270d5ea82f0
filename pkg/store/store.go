// Package store defines the document store the live-query server reads from
// and the change feeds it watches.
//
// Two implementations exist: [github.com/frontbase/frontbase/pkg/store/memory.Store]
// keeps everything in process and is used by tests and single-node development,
// [github.com/frontbase/frontbase/pkg/store/postgres.Store] persists entities and kinds
// with GORM and derives its change feed from a change tracking table written in
// the same transaction as each mutation.
//
// # Change feeds
//
// Watch returns a channel of [models.ChangeEvent] for one collection. Events
// arrive in commit order and carry the full post-change document, except for
// deletes where only the id and kind are known. The channel is closed when the
// context passed to Watch ends or the store is closed.
package store

import (
	"context"

	"github.com/frontbase/frontbase/pkg/models"
)

type Store interface {
	// Entities
	FindEntities(ctx context.Context, kind string, filter models.Filter) ([]*models.Entity, error)
	// GetEntity returns nil, nil when no entity has the id.
	GetEntity(ctx context.Context, id models.ObjectID) (*models.Entity, error)
	CreateEntity(ctx context.Context, entity *models.Entity) error
	UpdateEntity(ctx context.Context, id models.ObjectID, fields models.JSONMap) error
	DeleteEntity(ctx context.Context, id models.ObjectID) error

	// Kinds
	FindKinds(ctx context.Context, filter models.Filter) ([]*models.Kind, error)
	// ResolveKind finds the kind whose singular or plural key equals ref. nil, nil when none does.
	ResolveKind(ctx context.Context, ref string) (*models.Kind, error)
	CreateKind(ctx context.Context, kind *models.Kind) error
	// UpdateKind merges changed into the kind keyed by key. A missing kind is
	// reported through a zero Matched count, not an error.
	UpdateKind(ctx context.Context, key string, changed models.JSONMap) (models.UpdateResult, error)

	Watch(ctx context.Context, collection models.Collection) (<-chan models.ChangeEvent, error)

	Migrate(ctx context.Context) error
	Close() error
}

// FindOne returns the first entity of kind matching filter, or nil.
func FindOne(ctx context.Context, s Store, kind string, filter models.Filter) (*models.Entity, error) {
	found, err := s.FindEntities(ctx, kind, filter)
	if err != nil || len(found) == 0 {
		return nil, err
	}
	return found[0], nil
}
