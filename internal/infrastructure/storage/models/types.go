package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
)

// JSONBMap is a custom type for JSONB columns.
type JSONBMap map[string]interface{}

// Value implements the driver.Valuer interface for database serialization.
func (j JSONBMap) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	// Return string for proper JSONB handling in PostgreSQL
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (j *JSONBMap) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONBMap)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONBMap: value is not []byte")
	}

	if len(bytes) == 0 {
		*j = make(JSONBMap)
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// JSONBObject is a custom type for nullable JSONB object columns holding a
// single typed document.
type JSONBObject[T any] struct {
	Valid bool
	Data  T
}

// Value implements the driver.Valuer interface for database serialization.
func (j JSONBObject[T]) Value() (driver.Value, error) {
	if !j.Valid {
		return nil, nil
	}
	bytes, err := json.Marshal(j.Data)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (j *JSONBObject[T]) Scan(value interface{}) error {
	if value == nil {
		*j = JSONBObject[T]{}
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONBObject: value is not []byte")
	}

	if len(bytes) == 0 {
		*j = JSONBObject[T]{}
		return nil
	}

	j.Valid = true
	return json.Unmarshal(bytes, &j.Data)
}

// JSONBSlice is a custom type for JSONB array columns.
type JSONBSlice[T any] []T

// Value implements the driver.Valuer interface for database serialization.
func (j JSONBSlice[T]) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	bytes, err := json.Marshal(j)
	if err != nil {
		return nil, err
	}
	return string(bytes), nil
}

// Scan implements the sql.Scanner interface for database deserialization.
func (j *JSONBSlice[T]) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("failed to scan JSONBSlice: value is not []byte")
	}

	if len(bytes) == 0 {
		*j = nil
		return nil
	}

	return json.Unmarshal(bytes, j)
}
