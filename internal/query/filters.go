// Package query provides in-memory filtering and sorting of records.
package query

import (
	"fmt"
	"strings"

	"github.com/kimhsiao/litany/internal/models"
)

// Filter represents a single filter condition over a record.
type Filter interface {
	// Match reports whether the record passes this filter
	Match(r *models.Record) bool

	// Valid checks if the filter has anything to filter on
	Valid() bool
}

// TermFilter matches a case-insensitive substring of the title,
// transliteration, translation or any tag.
type TermFilter struct {
	Term string
}

// Valid checks if the term is non-blank.
func (f *TermFilter) Valid() bool {
	return strings.TrimSpace(f.Term) != ""
}

// Match reports whether the term occurs in any searchable field.
func (f *TermFilter) Match(r *models.Record) bool {
	needle := strings.ToLower(strings.TrimSpace(f.Term))
	for _, hay := range []string{r.Title, r.Latin, r.Translation} {
		if strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	for _, tag := range r.Tags {
		if strings.Contains(strings.ToLower(tag), needle) {
			return true
		}
	}
	return false
}

// CategoryFilter matches one category exactly.
type CategoryFilter struct {
	Category string
}

// Valid checks if a category was given.
func (f *CategoryFilter) Valid() bool {
	return f.Category != ""
}

// Match reports whether the record is in the category.
func (f *CategoryFilter) Match(r *models.Record) bool {
	return r.Category == f.Category
}

// TagsFilter requires every listed tag to be present.
type TagsFilter struct {
	Tags []string
}

// Valid checks if at least one tag was given.
func (f *TagsFilter) Valid() bool {
	return len(f.Tags) > 0
}

// Match reports whether the record carries all requested tags.
func (f *TagsFilter) Match(r *models.Record) bool {
	have := make(map[string]struct{}, len(r.Tags))
	for _, tag := range r.Tags {
		have[tag] = struct{}{}
	}
	for _, want := range f.Tags {
		if _, ok := have[want]; !ok {
			return false
		}
	}
	return true
}

// FavoriteFilter matches the favorite flag.
type FavoriteFilter struct {
	Favorite bool
}

// Valid is always true; an unset favorite filter is never built.
func (f *FavoriteFilter) Valid() bool {
	return true
}

// Match reports whether the flag equals the wanted value.
func (f *FavoriteFilter) Match(r *models.Record) bool {
	return r.Favorite == f.Favorite
}

// MatchFunc adapts a predicate to a Filter.
type MatchFunc func(r *models.Record) bool

// Valid is always true.
func (f MatchFunc) Valid() bool { return true }

// Match calls f.
func (f MatchFunc) Match(r *models.Record) bool { return f(r) }

// FilterBuilder combines filters with AND semantics.
type FilterBuilder struct {
	filters []Filter
}

// NewFilterBuilder creates a new FilterBuilder.
func NewFilterBuilder() *FilterBuilder {
	return &FilterBuilder{
		filters: make([]Filter, 0),
	}
}

func (fb *FilterBuilder) add(f Filter) *FilterBuilder {
	if f.Valid() {
		fb.filters = append(fb.filters, f)
	}
	return fb
}

// Term adds a free-text filter.
func (fb *FilterBuilder) Term(term string) *FilterBuilder {
	return fb.add(&TermFilter{Term: term})
}

// Category adds a category filter.
func (fb *FilterBuilder) Category(category string) *FilterBuilder {
	return fb.add(&CategoryFilter{Category: category})
}

// Tags adds a tag filter. Blank tags are dropped.
func (fb *FilterBuilder) Tags(tags ...string) *FilterBuilder {
	kept := make([]string, 0, len(tags))
	for _, tag := range tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			kept = append(kept, tag)
		}
	}
	return fb.add(&TagsFilter{Tags: kept})
}

// TagsFromCommaString adds tags from a comma-separated string.
func (fb *FilterBuilder) TagsFromCommaString(tagsStr string) *FilterBuilder {
	return fb.Tags(TagsFromCommaString(tagsStr)...)
}

// Favorite adds a favorite filter when want is non-nil.
func (fb *FilterBuilder) Favorite(want *bool) *FilterBuilder {
	if want == nil {
		return fb
	}
	return fb.add(&FavoriteFilter{Favorite: *want})
}

// Where adds an arbitrary predicate.
func (fb *FilterBuilder) Where(f MatchFunc) *FilterBuilder {
	return fb.add(f)
}

// HasFilters returns true if any filters have been added.
func (fb *FilterBuilder) HasFilters() bool {
	return len(fb.filters) > 0
}

// Count returns the number of filters.
func (fb *FilterBuilder) Count() int {
	return len(fb.filters)
}

// Match reports whether r passes every filter.
func (fb *FilterBuilder) Match(r *models.Record) bool {
	for _, f := range fb.filters {
		if !f.Match(r) {
			return false
		}
	}
	return true
}

// String returns a string representation of the filters (for debugging).
func (fb *FilterBuilder) String() string {
	if !fb.HasFilters() {
		return "(no filters)"
	}

	var parts []string
	for _, filter := range fb.filters {
		parts = append(parts, fmt.Sprintf("%T", filter))
	}
	return strings.Join(parts, ", ")
}

// TagsFromCommaString parses tags from a comma-separated string.
func TagsFromCommaString(tagsStr string) []string {
	tags := strings.Split(tagsStr, ",")
	result := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			result = append(result, tag)
		}
	}
	return result
}
