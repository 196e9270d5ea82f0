package models

const (
	KeyField       = "key"
	KeyPluralField = "key_plural"
)

// Kind describes a named category of entities. Clients may refer to it by
// either its singular or plural key; Key is canonical.
type Kind struct {
	Key       string
	KeyPlural string
	Fields    JSONMap
}

// Matches reports whether ref names this kind.
func (k *Kind) Matches(ref string) bool {
	return ref != "" && (ref == k.Key || ref == k.KeyPlural)
}

// Document renders the descriptor the way clients see it.
func (k *Kind) Document() JSONMap {
	doc := make(JSONMap, len(k.Fields)+2)
	for f, v := range k.Fields {
		doc[f] = v
	}
	doc[KeyField] = k.Key
	doc[KeyPluralField] = k.KeyPlural
	return doc
}

// Apply merges changed into the descriptor the way a partial update does.
// key and key_plural land on their struct fields when they are strings.
func (k *Kind) Apply(changed JSONMap) {
	if k.Fields == nil {
		k.Fields = make(JSONMap)
	}
	for f, v := range changed {
		switch f {
		case KeyField:
			if s, ok := v.(string); ok {
				k.Key = s
				continue
			}
		case KeyPluralField:
			if s, ok := v.(string); ok {
				k.KeyPlural = s
				continue
			}
		}
		k.Fields[f] = v
	}
}

func KindDocuments(kinds []*Kind) []JSONMap {
	docs := make([]JSONMap, 0, len(kinds))
	for _, k := range kinds {
		docs = append(docs, k.Document())
	}
	return docs
}

// UpdateResult reports what a kind update touched.
type UpdateResult struct {
	Matched  int `json:"matchedCount" cbor:"matchedCount"`
	Modified int `json:"modifiedCount" cbor:"modifiedCount"`
}
