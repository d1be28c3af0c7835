package daysync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DefaultSchemaVersion is stamped on records written without a schema version.
const DefaultSchemaVersion = 3

// dayKeyPrefix is the logical key prefix of day records.
const dayKeyPrefix = "dayv2_"

// Control field names in the stored JSON form of a DayRecord.
const (
	fieldDate          = "date"
	fieldUpdatedAt     = "updatedAt"
	fieldSourceID      = "_sourceId"
	fieldSchemaVersion = "schemaVersion"
)

// Payload holds the domain fields of a day (meals, sleep, steps, ...).
// The engine treats it as opaque JSON-shaped data.
type Payload map[string]any

// DayRecord is the unit of synchronization: one calendar date of one tenant.
type DayRecord struct {
	Date          string
	UpdatedAt     int64 // milliseconds since the Unix epoch
	SourceID      string
	SchemaVersion int
	Payload       Payload
}

// DayKey returns the logical store key for a date.
func DayKey(date string) string {
	return dayKeyPrefix + date
}

// DateFromKey returns the date of a logical day key.
func DateFromKey(key string) (string, bool) {
	date, ok := strings.CutPrefix(key, dayKeyPrefix)
	if !ok {
		return "", false
	}
	if _, err := time.Parse(time.DateOnly, date); err != nil {
		return "", false
	}
	return date, true
}

// NewDefaultRecord returns the record synthesized for a date that has never been stored.
func NewDefaultRecord(date string) DayRecord {
	return DayRecord{
		Date:          date,
		SchemaVersion: DefaultSchemaVersion,
		Payload:       Payload{},
	}
}

// Compare orders records by (UpdatedAt, SourceID). SourceIDs are compared
// lexicographically; the result is deterministic but carries no causal meaning.
func Compare(a, b DayRecord) int {
	switch {
	case a.UpdatedAt < b.UpdatedAt:
		return -1
	case a.UpdatedAt > b.UpdatedAt:
		return 1
	}
	return strings.Compare(a.SourceID, b.SourceID)
}

// Wins reports whether incoming may replace stored under last-write-wins.
// An equal pair wins so that a writer can re-persist its own record.
func Wins(incoming, stored DayRecord) bool {
	return Compare(incoming, stored) >= 0
}

// Clone returns a deep copy of the record.
func (r DayRecord) Clone() DayRecord {
	r.Payload = clonePayload(r.Payload)
	return r
}

// Meaningful reports whether the payload carries any domain data.
func (r DayRecord) Meaningful() bool {
	return len(r.Payload) > 0
}

// MarshalJSON flattens the payload and control fields into one object.
func (r DayRecord) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(r.Payload)+4)
	for k, v := range r.Payload {
		m[k] = v
	}
	m[fieldDate] = r.Date
	m[fieldUpdatedAt] = r.UpdatedAt
	if r.SourceID != "" {
		m[fieldSourceID] = r.SourceID
	}
	if r.SchemaVersion != 0 {
		m[fieldSchemaVersion] = r.SchemaVersion
	}
	return json.Marshal(m)
}

// UnmarshalJSON splits a flattened object back into payload and control fields.
// Numbers in the payload are kept as json.Number so they re-encode verbatim.
func (r *DayRecord) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("decoding day record: %w", err)
	}
	if m == nil {
		return fmt.Errorf("decoding day record: not an object")
	}

	out := DayRecord{Payload: Payload{}}
	for k, v := range m {
		switch k {
		case fieldDate:
			s, _ := v.(string)
			out.Date = s
		case fieldUpdatedAt:
			n, err := numberToInt64(v)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", fieldUpdatedAt, err)
			}
			out.UpdatedAt = n
		case fieldSourceID:
			s, _ := v.(string)
			out.SourceID = s
		case fieldSchemaVersion:
			n, err := numberToInt64(v)
			if err != nil {
				return fmt.Errorf("decoding %s: %w", fieldSchemaVersion, err)
			}
			out.SchemaVersion = int(n)
		default:
			out.Payload[k] = v
		}
	}

	*r = out
	return nil
}

// payloadSnapshot serializes the payload alone. encoding/json sorts map keys,
// so equal payloads always produce equal snapshots.
func payloadSnapshot(p Payload) (string, error) {
	if p == nil {
		p = Payload{}
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("serializing payload: %w", err)
	}
	return string(b), nil
}

func numberToInt64(v any) (int64, error) {
	switch n := v.(type) {
	case nil:
		return 0, nil
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return 0, err
		}
		return int64(f), nil
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func clonePayload(p Payload) Payload {
	if p == nil {
		return nil
	}
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Payload:
		return clonePayload(t)
	case []any:
		s := make([]any, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	default:
		return v
	}
}
