package postgres

import (
	"time"

	"github.com/frontbase/frontbase/pkg/models"
)

type entityRecord struct {
	ID        models.ObjectID `gorm:"type:uuid;primaryKey"`
	Kind      string          `gorm:"not null;index"`
	Fields    models.JSONMap  `gorm:"type:jsonb;not null"`
	CreatedAt time.Time       `gorm:"index"`
	UpdatedAt time.Time
}

func (entityRecord) TableName() string { return "entities" }

func (r *entityRecord) entity() *models.Entity {
	fields := r.Fields
	if fields == nil {
		fields = make(models.JSONMap)
	}
	return &models.Entity{ID: r.ID, Kind: r.Kind, Fields: fields}
}

type kindRecord struct {
	Key       string         `gorm:"primaryKey"`
	KeyPlural string         `gorm:"index"`
	Fields    models.JSONMap `gorm:"type:jsonb;not null"`
	CreatedAt time.Time      `gorm:"index"`
	UpdatedAt time.Time
}

func (kindRecord) TableName() string { return "kinds" }

func (r *kindRecord) kind() *models.Kind {
	fields := r.Fields
	if fields == nil {
		fields = make(models.JSONMap)
	}
	return &models.Kind{Key: r.Key, KeyPlural: r.KeyPlural, Fields: fields}
}

// changeRecord is one row of the change feed. It is written in the same
// transaction as the mutation it describes. Appends are serialised by
// lockChangeFeed, so ascending ID is commit order.
type changeRecord struct {
	ID         uint64                 `gorm:"primaryKey;autoIncrement"`
	Collection models.Collection      `gorm:"not null;index:idx_change_feed_collection"`
	EntityID   string                 `gorm:"not null"`
	Kind       string                 `gorm:"not null"`
	Operation  models.ChangeOperation `gorm:"not null"`
	ChangedAt  time.Time              `gorm:"not null;index"`
	// Payload is the full post-change document; empty for deletes.
	Payload models.JSONMap `gorm:"type:jsonb"`
}

func (changeRecord) TableName() string { return "change_feed" }
