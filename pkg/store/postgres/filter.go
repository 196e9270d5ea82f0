package postgres

import (
	"fmt"
	"strings"

	"github.com/frontbase/frontbase/pkg/models"
	"github.com/goccy/go-json"
	"gorm.io/gorm"
)

const kindPath = models.MetaField + "." + models.KindField

// containment expands dotted filter paths into the nested document that a
// jsonb @> comparison needs. {"a.b": 1, "c": 2} becomes {"a": {"b": 1}, "c": 2}.
func containment(filter models.Filter) (map[string]any, error) {
	doc := make(map[string]any)
	for path, v := range filter {
		parts := strings.Split(path, ".")
		node := doc
		for _, p := range parts[:len(parts)-1] {
			child, ok := node[p]
			if !ok {
				next := make(map[string]any)
				node[p] = next
				node = next
				continue
			}
			next, ok := child.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("filter path %q conflicts with a scalar constraint", path)
			}
			node = next
		}
		last := parts[len(parts)-1]
		if _, exists := node[last]; exists {
			return nil, fmt.Errorf("filter path %q is constrained twice", path)
		}
		node[last] = v
	}
	return doc, nil
}

func whereContains(tx *gorm.DB, column string, filter models.Filter) (*gorm.DB, error) {
	if len(filter) == 0 {
		return tx, nil
	}
	doc, err := containment(filter)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode filter: %w", err)
	}
	return tx.Where(column+" @> ?::jsonb", string(raw)), nil
}

func entityQuery(tx *gorm.DB, kind string, filter models.Filter) (*gorm.DB, error) {
	tx = tx.Where("kind = ?", kind)
	if id, ok := filter.ID(); ok {
		tx = tx.Where("id = ?", id)
	}
	rest := filter.Fields()
	if v, ok := rest[kindPath]; ok {
		tx = tx.Where("kind = ?", v)
		delete(rest, kindPath)
	}
	return whereContains(tx, "fields", rest)
}

func kindQuery(tx *gorm.DB, filter models.Filter) (*gorm.DB, error) {
	rest := filter.Fields()
	if v, ok := rest[models.KeyField]; ok {
		tx = tx.Where("key = ?", v)
		delete(rest, models.KeyField)
	}
	if v, ok := rest[models.KeyPluralField]; ok {
		tx = tx.Where("key_plural = ?", v)
		delete(rest, models.KeyPluralField)
	}
	return whereContains(tx, "fields", rest)
}
