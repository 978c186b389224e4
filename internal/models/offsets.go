package models

import (
	"bytes"
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Offsets is a nullable, ordered list of reminder offsets in minutes.
// An invalid Offsets means "not set"; a valid one with no minutes means
// "explicitly no reminders".
type Offsets struct {
	Minutes []int
	Valid   bool
}

// OffsetsOf returns a valid Offsets holding minutes.
func OffsetsOf(minutes ...int) Offsets {
	if minutes == nil {
		minutes = []int{}
	}
	return Offsets{Minutes: minutes, Valid: true}
}

func (o *Offsets) Scan(value any) error {
	var raw []byte
	switch v := value.(type) {
	case nil:
		*o = Offsets{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("offsets: unsupported column type %T", value)
	}
	return o.UnmarshalJSON(raw)
}

func (o Offsets) Value() (driver.Value, error) {
	if !o.Valid {
		return nil, nil
	}
	data, err := o.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// GormDataType stores the list as a JSON document.
func (Offsets) GormDataType() string {
	return "json"
}

func (o Offsets) MarshalJSON() ([]byte, error) {
	if !o.Valid {
		return []byte("null"), nil
	}
	minutes := o.Minutes
	if minutes == nil {
		minutes = []int{}
	}
	return json.Marshal(minutes)
}

func (o *Offsets) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*o = Offsets{}
		return nil
	}
	var minutes []int
	if err := json.Unmarshal(data, &minutes); err != nil {
		return fmt.Errorf("offsets: %w", err)
	}
	*o = OffsetsOf(minutes...)
	return nil
}
