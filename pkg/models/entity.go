package models

import (
	"github.com/goccy/go-json"
)

const (
	IDField   = "_id"
	MetaField = "_meta"
	// KindField is the key inside _meta naming the entity's kind.
	KindField = "modelId"
)

// Entity is a stored document tagged with a kind.
type Entity struct {
	ID     ObjectID
	Kind   string
	Fields JSONMap
}

func NewEntity(kind string, fields JSONMap) *Entity {
	return &Entity{ID: NewObjectID(), Kind: kind, Fields: fields}
}

// Document renders the entity the way clients see it:
// fields at the top level plus _id and _meta.modelId.
func (e *Entity) Document() JSONMap {
	doc := make(JSONMap, len(e.Fields)+2)
	for k, v := range e.Fields {
		doc[k] = v
	}
	doc[IDField] = e.ID.String()
	doc[MetaField] = map[string]any{KindField: e.Kind}
	return doc
}

// Without returns the document with the named fields removed.
func (e *Entity) Without(fields ...string) JSONMap {
	doc := e.Document()
	for _, f := range fields {
		delete(doc, f)
	}
	return doc
}

// String reads a top-level string field, returning "" when absent or not a string.
func (e *Entity) String(field string) string {
	s, _ := e.Fields[field].(string)
	return s
}

func (e *Entity) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.Document())
}
