package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/frontbase/frontbase/pkg/models"
	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

// changeFeedLock is the advisory lock key serialising appends to change_feed.
const changeFeedLock int64 = 0x66656564 // "feed"

// lockChangeFeed takes the transaction-scoped feed lock. A writer holds it
// from its append until commit, so row ids become visible in id order and the
// poller's cursor never skips a row that commits late.
func lockChangeFeed(tx *gorm.DB) *gorm.DB {
	return tx.Exec("SELECT pg_advisory_xact_lock(?)", changeFeedLock)
}

// recordEntityChange must be called within the same transaction as the mutation.
func recordEntityChange(tx *gorm.DB, op models.ChangeOperation, e *models.Entity) error {
	if err := lockChangeFeed(tx).Error; err != nil {
		return fmt.Errorf("lock change feed: %w", err)
	}
	change := &changeRecord{
		Collection: models.CollectionEntities,
		EntityID:   e.ID.String(),
		Kind:       e.Kind,
		Operation:  op,
		ChangedAt:  time.Now(),
	}
	if op != models.ChangeOperationDelete {
		change.Payload = e.Document()
	}
	return tx.Create(change).Error
}

func recordKindChange(tx *gorm.DB, op models.ChangeOperation, k *models.Kind) error {
	if err := lockChangeFeed(tx).Error; err != nil {
		return fmt.Errorf("lock change feed: %w", err)
	}
	return tx.Create(&changeRecord{
		Collection: models.CollectionKinds,
		EntityID:   k.Key,
		Kind:       k.Key,
		Operation:  op,
		ChangedAt:  time.Now(),
		Payload:    k.Document(),
	}).Error
}

func (c *changeRecord) event() (models.ChangeEvent, error) {
	event := models.ChangeEvent{
		Collection: c.Collection,
		Operation:  c.Operation,
		DocumentID: c.EntityID,
		Kind:       c.Kind,
		ChangedAt:  c.ChangedAt,
	}
	if len(c.Payload) > 0 {
		doc, err := json.Marshal(c.Payload)
		if err != nil {
			return models.ChangeEvent{}, fmt.Errorf("encode change %d: %w", c.ID, err)
		}
		event.Document = doc
	}
	return event, nil
}

// listChangesSince returns up to limit changes of collection with an id above cursor, oldest first.
func (s *Store) listChangesSince(ctx context.Context, collection models.Collection, cursor uint64, limit int) ([]*changeRecord, error) {
	var changes []*changeRecord
	err := s.getDB(ctx).
		Where("collection = ? AND id > ?", collection, cursor).
		Order("id ASC").
		Limit(limit).
		Find(&changes).Error
	return changes, err
}

// PurgeChanges deletes change rows recorded before the given time.
func (s *Store) PurgeChanges(ctx context.Context, before time.Time) (int64, error) {
	res := s.getDB(ctx).Where("changed_at < ?", before).Delete(&changeRecord{})
	return res.RowsAffected, res.Error
}

// Watch starts from the newest change present when it is called.
func (s *Store) Watch(ctx context.Context, collection models.Collection) (<-chan models.ChangeEvent, error) {
	var cursor uint64
	err := s.getDB(ctx).Model(&changeRecord{}).
		Where("collection = ?", collection).
		Select("COALESCE(MAX(id), 0)").
		Scan(&cursor).Error
	if err != nil {
		return nil, fmt.Errorf("read change feed position: %w", err)
	}

	ch := make(chan models.ChangeEvent, feedBuffer)
	go s.poll(ctx, collection, cursor, ch)
	return ch, nil
}

func (s *Store) poll(ctx context.Context, collection models.Collection, cursor uint64, ch chan<- models.ChangeEvent) {
	defer close(ch)
	log := s.log.With().Str("collection", string(collection)).Logger()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case <-ticker.C:
		}

		for {
			changes, err := s.listChangesSince(ctx, collection, cursor, pollBatch)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn().Err(err).Msg("poll change feed")
				}
				break
			}
			for _, c := range changes {
				event, err := c.event()
				if err != nil {
					log.Error().Err(err).Uint64("change_id", c.ID).Msg("skipping change")
					cursor = c.ID
					continue
				}
				select {
				case ch <- event:
				case <-ctx.Done():
					return
				case <-s.closing:
					return
				}
				cursor = c.ID
			}
			if len(changes) < pollBatch {
				break
			}
		}
	}
}

func (s *Store) retain() {
	ticker := time.NewTicker(s.opts.Retention / 4)
	defer ticker.Stop()
	for {
		select {
		case <-s.closing:
			return
		case <-ticker.C:
			n, err := s.PurgeChanges(context.Background(), time.Now().Add(-s.opts.Retention))
			if err != nil {
				s.log.Warn().Err(err).Msg("purge change feed")
				continue
			}
			if n > 0 {
				s.log.Debug().Int64("rows", n).Msg("purged change feed")
			}
		}
	}
}
