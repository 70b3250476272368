// Package models provides data model definitions for Litany.
package models

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Field names a mergeable record attribute.
type Field string

const (
	FieldArabic      Field = "arabic"
	FieldLatin       Field = "latin"
	FieldTranslation Field = "translation"
	FieldCategory    Field = "category"
	FieldTags        Field = "tags"
	FieldSource      Field = "source"
	FieldFavorite    Field = "favorite"
	FieldUpdatedAt   Field = "updatedAt"
)

// Fields returns the merge whitelist in evaluation order.
func Fields() []Field {
	return []Field{
		FieldArabic,
		FieldLatin,
		FieldTranslation,
		FieldCategory,
		FieldTags,
		FieldSource,
		FieldFavorite,
		FieldUpdatedAt,
	}
}

// FieldKind groups fields that share equality and merge rules.
type FieldKind int

const (
	KindText FieldKind = iota
	KindSet
	KindFlag
	KindTimestamp
)

// String returns a human-readable representation of the kind.
func (k FieldKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindSet:
		return "set"
	case KindFlag:
		return "flag"
	case KindTimestamp:
		return "timestamp"
	default:
		return "unknown"
	}
}

// Kind returns the field's kind. It panics on a field outside the whitelist.
func (f Field) Kind() FieldKind {
	switch f {
	case FieldArabic, FieldLatin, FieldTranslation, FieldCategory, FieldSource:
		return KindText
	case FieldTags:
		return KindSet
	case FieldFavorite:
		return KindFlag
	case FieldUpdatedAt:
		return KindTimestamp
	}
	panic(fmt.Sprintf("models: unknown field %q", string(f)))
}

// Valid reports whether f is in the merge whitelist.
func (f Field) Valid() bool {
	for _, known := range Fields() {
		if f == known {
			return true
		}
	}
	return false
}

// ValueOf returns the field's value on r. Absent values are nil: an empty
// text field, or a nil tag list. Flags and timestamps are never absent.
func (f Field) ValueOf(r *Record) any {
	text := func(s string) any {
		if s == "" {
			return nil
		}
		return s
	}
	switch f {
	case FieldArabic:
		return text(r.Arabic)
	case FieldLatin:
		return text(r.Latin)
	case FieldTranslation:
		return text(r.Translation)
	case FieldCategory:
		return text(r.Category)
	case FieldSource:
		return text(r.Source)
	case FieldTags:
		if r.Tags == nil {
			return nil
		}
		return append(make([]string, 0, len(r.Tags)), r.Tags...)
	case FieldFavorite:
		return r.Favorite
	case FieldUpdatedAt:
		return r.UpdatedAt
	}
	panic(fmt.Sprintf("models: unknown field %q", string(f)))
}

// Assign sets the field on r from a value produced by ValueOf or decoded
// from JSON.
func (f Field) Assign(r *Record, v any) error {
	switch f.Kind() {
	case KindText:
		var s string
		if v != nil {
			str, ok := v.(string)
			if !ok {
				return fmt.Errorf("field %s: expected string, got %T", f, v)
			}
			s = str
		}
		switch f {
		case FieldArabic:
			r.Arabic = s
		case FieldLatin:
			r.Latin = s
		case FieldTranslation:
			r.Translation = s
		case FieldCategory:
			r.Category = s
		case FieldSource:
			r.Source = s
		}
		return nil
	case KindSet:
		tags, err := toStrings(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", f, err)
		}
		r.Tags = tags
		return nil
	case KindFlag:
		b, ok := v.(bool)
		if !ok {
			return fmt.Errorf("field %s: expected bool, got %T", f, v)
		}
		r.Favorite = b
		return nil
	case KindTimestamp:
		ts, err := toInt64(v)
		if err != nil {
			return fmt.Errorf("field %s: %w", f, err)
		}
		r.UpdatedAt = ts
		return nil
	}
	return fmt.Errorf("field %s: unsupported kind", f)
}

// DecodeValue parses a JSON-encoded field value into the field's Go type.
func (f Field) DecodeValue(raw []byte) (any, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	switch f.Kind() {
	case KindText:
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	case KindSet:
		var tags []string
		err := json.Unmarshal(raw, &tags)
		return tags, err
	case KindFlag:
		var b bool
		err := json.Unmarshal(raw, &b)
		return b, err
	case KindTimestamp:
		var ts int64
		err := json.Unmarshal(raw, &ts)
		return ts, err
	}
	return nil, fmt.Errorf("field %s: unsupported kind", f)
}

// Patch builds an update that sets the field to v. The store owns updatedAt,
// so a value for that field yields an empty patch.
func (f Field) Patch(v any) (Patch, error) {
	var scratch Record
	if err := f.Assign(&scratch, v); err != nil {
		return Patch{}, err
	}
	var p Patch
	switch f {
	case FieldArabic:
		p.Arabic = &scratch.Arabic
	case FieldLatin:
		p.Latin = &scratch.Latin
	case FieldTranslation:
		p.Translation = &scratch.Translation
	case FieldCategory:
		p.Category = &scratch.Category
	case FieldSource:
		p.Source = &scratch.Source
	case FieldTags:
		tags := scratch.Tags
		if tags == nil {
			tags = []string{}
		}
		p.Tags = &tags
	case FieldFavorite:
		p.Favorite = &scratch.Favorite
	case FieldUpdatedAt:
	}
	return p, nil
}

func toStrings(v any) ([]string, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return append(make([]string, 0, len(t)), t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("expected string element, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("expected string list, got %T", v)
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case float64:
		if t != math.Trunc(t) {
			return 0, fmt.Errorf("expected integer timestamp, got %v", t)
		}
		return int64(t), nil
	case json.Number:
		return t.Int64()
	}
	return 0, fmt.Errorf("expected integer timestamp, got %T", v)
}

// ConflictType classifies a divergence.
type ConflictType string

const (
	ConflictContent  ConflictType = "content"
	ConflictDeletion ConflictType = "deletion"
	ConflictCreation ConflictType = "creation"
	ConflictMetadata ConflictType = "metadata"
)

// Strategy is how a conflict was (or is to be) resolved.
type Strategy string

const (
	StrategyLocal  Strategy = "local"
	StrategyRemote Strategy = "remote"
	StrategyMerge  Strategy = "merge"
	StrategyManual Strategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyLocal, StrategyRemote, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// Preference is a per-field user choice consulted before any default rule.
type Preference string

const (
	PreferLocal  Preference = "local"
	PreferRemote Preference = "remote"
	PreferAsk    Preference = "ask"
)

// Valid reports whether p is a known preference.
func (p Preference) Valid() bool {
	switch p {
	case PreferLocal, PreferRemote, PreferAsk:
		return true
	}
	return false
}

// Resolution records how a conflict was settled.
type Resolution struct {
	Strategy      Strategy `json:"strategy"`
	ResolvedValue any      `json:"resolvedValue"`
	Timestamp     int64    `json:"timestamp"`
	Notes         string   `json:"notes,omitempty"`
}

// ConflictRecord is one field-level divergence between a local and a remote
// copy of the same record.
type ConflictRecord struct {
	ID           string       `json:"id"`
	RecordID     UUID         `json:"recordId"`
	Field        Field        `json:"field"`
	LocalValue   any          `json:"localValue"`
	RemoteValue  any          `json:"remoteValue"`
	BaseValue    any          `json:"baseValue,omitempty"`
	Timestamp    int64        `json:"timestamp"`
	ConflictType ConflictType `json:"conflictType"`
	Resolution   *Resolution  `json:"resolution,omitempty"`
}

// Resolved reports whether a resolution has been attached.
func (c *ConflictRecord) Resolved() bool {
	return c.Resolution != nil
}

// DetectedAtTime returns the Timestamp as time.Time.
func (c *ConflictRecord) DetectedAtTime() time.Time {
	return time.UnixMilli(c.Timestamp)
}

// MergeResult is the outcome of a three-way record merge.
type MergeResult struct {
	Success             bool              `json:"success"`
	MergedRecord        Record            `json:"mergedRecord"`
	Conflicts           []*ConflictRecord `json:"conflicts"`
	AutoResolvedCount   int               `json:"autoResolvedCount"`
	ManualRequiredCount int               `json:"manualRequiredCount"`
}
