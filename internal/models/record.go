// Package models provides data model definitions for Litany.
package models

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/zeebo/xxh3"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	var s string
	switch v := value.(type) {
	case nil:
		*u = ""
		return nil
	case []byte:
		s = string(v)
	case string:
		s = v
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	if len(s) != 36 {
		return fmt.Errorf("invalid UUID length %d: %q", len(s), s)
	}
	*u = UUID(s)
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// Record is a single prayer/note item in the user's collection.
// Timestamps are Unix milliseconds.
type Record struct {
	ID          UUID     `json:"id"`
	Title       string   `json:"title"`
	Arabic      string   `json:"arabic,omitempty"`
	Latin       string   `json:"latin,omitempty"`
	Translation string   `json:"translation,omitempty"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags"`
	Source      string   `json:"source,omitempty"`
	Favorite    bool     `json:"favorite"`
	CreatedAt   int64    `json:"createdAt"`
	UpdatedAt   int64    `json:"updatedAt"`
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() Record {
	c := *r
	if r.Tags != nil {
		c.Tags = append(make([]string, 0, len(r.Tags)), r.Tags...)
	}
	return c
}

// CreatedAtTime returns the CreatedAt as time.Time.
func (r *Record) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// UpdatedAtTime returns the UpdatedAt as time.Time.
func (r *Record) UpdatedAtTime() time.Time {
	return time.UnixMilli(r.UpdatedAt)
}

// Fingerprint hashes every mergeable field. Two records with equal
// fingerprints have no field-level divergence.
func (r *Record) Fingerprint() uint64 {
	var b strings.Builder
	for _, f := range Fields() {
		b.WriteString(string(f))
		b.WriteByte(0)
		switch v := f.ValueOf(r).(type) {
		case nil:
			b.WriteString("\x01nil")
		case string:
			b.WriteString(v)
		case []string:
			b.WriteString(strconv.Itoa(len(v)))
			for _, t := range v {
				b.WriteByte(0)
				b.WriteString(t)
			}
		case bool:
			b.WriteString(strconv.FormatBool(v))
		case int64:
			b.WriteString(strconv.FormatInt(v, 10))
		}
		b.WriteByte(0)
	}
	return xxh3.HashString(b.String())
}

// Draft holds the caller-supplied fields of a record being created.
type Draft struct {
	Title       string   `json:"title"`
	Arabic      string   `json:"arabic,omitempty"`
	Latin       string   `json:"latin,omitempty"`
	Translation string   `json:"translation,omitempty"`
	Category    string   `json:"category"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source,omitempty"`
	Favorite    bool     `json:"favorite,omitempty"`
}

// Validate checks the required fields of a draft.
func (d *Draft) Validate() error {
	if strings.TrimSpace(d.Title) == "" {
		return fmt.Errorf("title is required")
	}
	if strings.TrimSpace(d.Category) == "" {
		return fmt.Errorf("category is required")
	}
	return nil
}

// Patch is a shallow update. Nil fields are left untouched.
type Patch struct {
	Title       *string   `json:"title,omitempty"`
	Arabic      *string   `json:"arabic,omitempty"`
	Latin       *string   `json:"latin,omitempty"`
	Translation *string   `json:"translation,omitempty"`
	Category    *string   `json:"category,omitempty"`
	Tags        *[]string `json:"tags,omitempty"`
	Source      *string   `json:"source,omitempty"`
	Favorite    *bool     `json:"favorite,omitempty"`
}

// Validate rejects patches that would blank a required field.
func (p *Patch) Validate() error {
	if p.Title != nil && strings.TrimSpace(*p.Title) == "" {
		return fmt.Errorf("title cannot be empty")
	}
	if p.Category != nil && strings.TrimSpace(*p.Category) == "" {
		return fmt.Errorf("category cannot be empty")
	}
	return nil
}

// Apply copies every set field onto r.
func (p *Patch) Apply(r *Record) {
	if p.Title != nil {
		r.Title = *p.Title
	}
	if p.Arabic != nil {
		r.Arabic = *p.Arabic
	}
	if p.Latin != nil {
		r.Latin = *p.Latin
	}
	if p.Translation != nil {
		r.Translation = *p.Translation
	}
	if p.Category != nil {
		r.Category = *p.Category
	}
	if p.Tags != nil {
		tags := *p.Tags
		if tags == nil {
			tags = []string{}
		}
		r.Tags = append(make([]string, 0, len(tags)), tags...)
	}
	if p.Source != nil {
		r.Source = *p.Source
	}
	if p.Favorite != nil {
		r.Favorite = *p.Favorite
	}
}

// TrashEntry is a soft-deleted record.
type TrashEntry struct {
	Record
	DeletedAt int64 `json:"deletedAt"`
}

// DeletedAtTime returns the DeletedAt as time.Time.
func (e *TrashEntry) DeletedAtTime() time.Time {
	return time.UnixMilli(e.DeletedAt)
}
