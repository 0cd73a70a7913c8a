package storage

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Value encodings
const (
	EncodingRaw  = "raw"
	EncodingJSON = "json"
)

// Record is one persisted (key, value, updated_at) row
type Record struct {
	Key       string    `gorm:"column:key;primaryKey" json:"key"`
	Value     string    `gorm:"column:value;not null" json:"value"`
	Encoding  string    `gorm:"column:encoding;not null;default:json" json:"encoding"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updated_at"`
}

// TableName returns the table name for GORM
func (Record) TableName() string {
	return "state_records"
}

// newRecord encodes value for storage. Strings are kept as-is, everything else is JSON.
func newRecord(key string, value interface{}, now time.Time) (Record, error) {
	rec := Record{Key: key, UpdatedAt: now}

	switch v := value.(type) {
	case string:
		rec.Value = v
		rec.Encoding = EncodingRaw
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return Record{}, fmt.Errorf("encode value: %w", err)
		}
		rec.Value = string(data)
		rec.Encoding = EncodingJSON
	}
	return rec, nil
}

// Decoded returns the value as JSON-native Go types
func (r Record) Decoded() (interface{}, error) {
	if r.Encoding == EncodingRaw {
		return r.Value, nil
	}
	var v interface{}
	if err := json.Unmarshal([]byte(r.Value), &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return v, nil
}

// DecodeInto unmarshals the value into out
func (r Record) DecodeInto(out interface{}) error {
	if r.Encoding == EncodingRaw {
		if s, ok := out.(*string); ok {
			*s = r.Value
			return nil
		}
	}
	if err := json.Unmarshal([]byte(r.Value), out); err != nil {
		return fmt.Errorf("decode value: %w", err)
	}
	return nil
}

// asFloat accepts numbers and numeric strings written from the CLI
func asFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// asBool accepts booleans, on/off style strings and numbers
func asBool(v interface{}) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case float64:
		return b != 0, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "on", "1", "yes":
			return true, true
		case "false", "off", "0", "no":
			return false, true
		}
	}
	return false, false
}
