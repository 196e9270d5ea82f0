package models

import (
	"database/sql/driver"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// ObjectID is the store-native identifier of an entity.
type ObjectID struct {
	uuid uuid.UUID
}

func NewObjectID() ObjectID {
	return ObjectID{uuid: uuid.New()}
}

func ParseObjectID(s string) (ObjectID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return ObjectID{}, fmt.Errorf("invalid object ID %q: %w", s, err)
	}
	return ObjectID{uuid: id}, nil
}

func (o ObjectID) UUID() uuid.UUID { return o.uuid }
func (o ObjectID) String() string  { return o.uuid.String() }
func (o ObjectID) IsZero() bool    { return o.uuid == uuid.Nil }

func (o ObjectID) MarshalJSON() ([]byte, error) {
	return json.Marshal(o.uuid.String())
}

func (o *ObjectID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	o.uuid = id
	return nil
}

func (o ObjectID) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(o.uuid.String())
}

func (o *ObjectID) UnmarshalCBOR(data []byte) error {
	var s string
	if err := cbor.Unmarshal(data, &s); err != nil {
		return err
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return err
	}
	o.uuid = id
	return nil
}

func (o ObjectID) Value() (driver.Value, error) {
	if o.IsZero() {
		return nil, nil
	}
	return o.uuid.String(), nil
}

func (o *ObjectID) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		o.uuid = uuid.Nil
		return nil
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return err
		}
		o.uuid = id
		return nil
	case []byte:
		id, err := uuid.ParseBytes(v)
		if err != nil {
			return err
		}
		o.uuid = id
		return nil
	default:
		return fmt.Errorf("cannot scan %T into ObjectID", value)
	}
}

func (ObjectID) GormDataType() string { return "uuid" }
