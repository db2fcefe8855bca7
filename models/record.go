// Package models defines data structures for the scraper.
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Record is one scraped listing: an ordered mapping from field name to value.
// Absent optional fields hold the empty string so output columns stay aligned.
type Record struct {
	fields []string
	index  map[string]int
	values []string
}

// NewRecord creates a record with every field set to the empty value.
func NewRecord(fields []string) *Record {
	r := &Record{
		fields: make([]string, len(fields)),
		index:  make(map[string]int, len(fields)),
		values: make([]string, len(fields)),
	}
	copy(r.fields, fields)
	for i, name := range fields {
		r.index[name] = i
	}
	return r
}

// Has reports whether the record carries the named field.
func (r *Record) Has(field string) bool {
	_, ok := r.index[field]
	return ok
}

// Get returns the value for field, or "" if the field is unknown.
func (r *Record) Get(field string) string {
	i, ok := r.index[field]
	if !ok {
		return ""
	}
	return r.values[i]
}

// Set assigns a value to an existing field.
func (r *Record) Set(field, value string) error {
	i, ok := r.index[field]
	if !ok {
		return fmt.Errorf("record has no field %q", field)
	}
	r.values[i] = value
	return nil
}

// Fields returns the field names in output order.
func (r *Record) Fields() []string {
	out := make([]string, len(r.fields))
	copy(out, r.fields)
	return out
}

// Values returns the values in field order.
func (r *Record) Values() []string {
	out := make([]string, len(r.values))
	copy(out, r.values)
	return out
}

// Map returns the record as an unordered map.
func (r *Record) Map() map[string]string {
	out := make(map[string]string, len(r.fields))
	for i, name := range r.fields {
		out[name] = r.values[i]
	}
	return out
}

// MarshalJSON encodes the record as a JSON object keeping field order.
func (r *Record) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range r.fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(r.values[i])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
