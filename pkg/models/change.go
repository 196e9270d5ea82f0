package models

import (
	"time"
)

// Collection tags which change feed an event came from.
type Collection string

const (
	CollectionEntities Collection = "entities"
	CollectionKinds    Collection = "kinds"
)

// ChangeOperation represents the type of database change
type ChangeOperation string

const (
	ChangeOperationCreate ChangeOperation = "CREATE"
	ChangeOperationUpdate ChangeOperation = "UPDATE"
	ChangeOperationDelete ChangeOperation = "DELETE"
)

// ChangeEvent is one committed mutation as delivered by a store's change feed.
// Document holds the full post-change document as JSON and is nil for deletes;
// Kind carries the kind key the store knew about, so deletes can still be routed.
type ChangeEvent struct {
	Collection Collection
	Operation  ChangeOperation
	DocumentID string
	Kind       string
	Document   []byte
	ChangedAt  time.Time
}
