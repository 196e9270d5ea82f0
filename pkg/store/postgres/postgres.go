// Package postgres implements store.Store on PostgreSQL through GORM.
//
// Entities and kinds keep their free-form fields in jsonb columns; filters
// become jsonb containment checks. Every mutation also appends a row to the
// change_feed table inside the same transaction, and Watch polls that table
// by ascending id to produce the store's change feeds.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/frontbase/frontbase/pkg/constants"
	"github.com/frontbase/frontbase/pkg/models"
	"github.com/frontbase/frontbase/pkg/store"
	"github.com/rs/zerolog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultPollInterval = 500 * time.Millisecond
	DefaultRetention    = time.Hour
	pollBatch           = 500
	feedBuffer          = 256
)

type Options struct {
	PollInterval time.Duration
	// Retention is how long change rows are kept before they are purged.
	Retention time.Duration
	Logger    zerolog.Logger
}

// Store implements store.Store using PostgreSQL with GORM.
type Store struct {
	db      *gorm.DB
	opts    Options
	log     zerolog.Logger
	closing chan struct{}
}

var _ store.Store = (*Store)(nil)

// New connects to dsn. Call Migrate before first use on an empty database.
func New(dsn string, opts Options) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: newGormLogger(opts.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return newStore(db, opts), nil
}

func newStore(db *gorm.DB, opts Options) *Store {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	s := &Store{
		db:      db,
		opts:    opts,
		log:     opts.Logger.With().Str("component", "postgres").Logger(),
		closing: make(chan struct{}),
	}
	go s.retain()
	return s
}

func (s *Store) getDB(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.getDB(ctx).AutoMigrate(&entityRecord{}, &kindRecord{}, &changeRecord{})
}

func (s *Store) Close() error {
	select {
	case <-s.closing:
		return nil
	default:
		close(s.closing)
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) FindEntities(ctx context.Context, kind string, filter models.Filter) ([]*models.Entity, error) {
	tx, err := entityQuery(s.getDB(ctx), kind, filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrMalformedInput, err)
	}
	var records []entityRecord
	if err := tx.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	found := make([]*models.Entity, 0, len(records))
	for i := range records {
		found = append(found, records[i].entity())
	}
	return found, nil
}

func (s *Store) GetEntity(ctx context.Context, id models.ObjectID) (*models.Entity, error) {
	var record entityRecord
	err := s.getDB(ctx).First(&record, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.entity(), nil
}

func (s *Store) CreateEntity(ctx context.Context, entity *models.Entity) error {
	if entity.Kind == "" {
		return fmt.Errorf("%w: entity has no kind", constants.ErrMalformedInput)
	}
	if entity.ID.IsZero() {
		entity.ID = models.NewObjectID()
	}
	record := &entityRecord{ID: entity.ID, Kind: entity.Kind, Fields: entity.Fields}
	if record.Fields == nil {
		record.Fields = make(models.JSONMap)
	}
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return recordEntityChange(tx, models.ChangeOperationCreate, record.entity())
	})
}

func (s *Store) UpdateEntity(ctx context.Context, id models.ObjectID, fields models.JSONMap) error {
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var record entityRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", constants.ErrEntityNotFound, id)
		}
		if err != nil {
			return err
		}
		if record.Fields == nil {
			record.Fields = make(models.JSONMap)
		}
		for k, v := range fields {
			record.Fields[k] = v
		}
		if err := tx.Model(&record).Update("fields", record.Fields).Error; err != nil {
			return err
		}
		return recordEntityChange(tx, models.ChangeOperationUpdate, record.entity())
	})
}

func (s *Store) DeleteEntity(ctx context.Context, id models.ObjectID) error {
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var record entityRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s", constants.ErrEntityNotFound, id)
		}
		if err != nil {
			return err
		}
		if err := tx.Delete(&entityRecord{}, "id = ?", id).Error; err != nil {
			return err
		}
		return recordEntityChange(tx, models.ChangeOperationDelete, record.entity())
	})
}

func (s *Store) FindKinds(ctx context.Context, filter models.Filter) ([]*models.Kind, error) {
	tx, err := kindQuery(s.getDB(ctx), filter)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", constants.ErrMalformedInput, err)
	}
	var records []kindRecord
	if err := tx.Order("created_at ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	found := make([]*models.Kind, 0, len(records))
	for i := range records {
		found = append(found, records[i].kind())
	}
	return found, nil
}

func (s *Store) ResolveKind(ctx context.Context, ref string) (*models.Kind, error) {
	if ref == "" {
		return nil, nil
	}
	var record kindRecord
	err := s.getDB(ctx).
		Where("key = ? OR key_plural = ?", ref, ref).
		Order("created_at ASC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.kind(), nil
}

func (s *Store) CreateKind(ctx context.Context, kind *models.Kind) error {
	if kind.Key == "" {
		return fmt.Errorf("%w: kind has no key", constants.ErrMalformedInput)
	}
	record := &kindRecord{Key: kind.Key, KeyPlural: kind.KeyPlural, Fields: kind.Fields}
	if record.Fields == nil {
		record.Fields = make(models.JSONMap)
	}
	return s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		return recordKindChange(tx, models.ChangeOperationCreate, record.kind())
	})
}

func (s *Store) UpdateKind(ctx context.Context, key string, changed models.JSONMap) (models.UpdateResult, error) {
	var result models.UpdateResult
	err := s.getDB(ctx).Transaction(func(tx *gorm.DB) error {
		var record kindRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&record, "key = ?", key).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		kind := record.kind()
		kind.Apply(changed)
		err = tx.Model(&kindRecord{}).Where("key = ?", key).Updates(map[string]any{
			"key":        kind.Key,
			"key_plural": kind.KeyPlural,
			"fields":     kind.Fields,
			"updated_at": time.Now(),
		}).Error
		if err != nil {
			return err
		}
		result = models.UpdateResult{Matched: 1, Modified: 1}
		return recordKindChange(tx, models.ChangeOperationUpdate, kind)
	})
	if err != nil {
		return models.UpdateResult{}, err
	}
	return result, nil
}
