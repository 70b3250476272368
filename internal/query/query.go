package query

import (
	"fmt"
	"sort"
	"strings"

	"github.com/kimhsiao/litany/internal/models"
)

// SortBy names the sort key.
type SortBy string

const (
	SortUpdatedAt SortBy = "updatedAt"
	SortTitle     SortBy = "title"
)

// SortDir names the sort direction.
type SortDir string

const (
	Desc SortDir = "desc"
	Asc  SortDir = "asc"
)

// Options selects and orders records. Zero values mean "no filter" and
// the default order (updatedAt, descending).
type Options struct {
	Term     string
	Category string
	Tags     []string
	Favorite *bool
	SortBy   SortBy
	SortDir  SortDir
}

// Validate rejects unknown sort keys and directions.
func (o *Options) Validate() error {
	switch o.SortBy {
	case "", SortUpdatedAt, SortTitle:
	default:
		return fmt.Errorf("unknown sort key %q", o.SortBy)
	}
	switch o.SortDir {
	case "", Desc, Asc:
	default:
		return fmt.Errorf("unknown sort direction %q", o.SortDir)
	}
	return nil
}

// Builder converts the options' filters to a FilterBuilder.
func (o *Options) Builder() *FilterBuilder {
	return NewFilterBuilder().
		Term(o.Term).
		Category(o.Category).
		Tags(o.Tags...).
		Favorite(o.Favorite)
}

// Query returns the records matching opts, sorted. The input is not modified.
func Query(records []models.Record, opts Options) []models.Record {
	return Run(records, opts.Builder(), opts)
}

// Run filters records with fb and sorts them per opts.
func Run(records []models.Record, fb *FilterBuilder, opts Options) []models.Record {
	var out []models.Record
	if !fb.HasFilters() {
		out = make([]models.Record, len(records))
		for i := range records {
			out[i] = records[i].Clone()
		}
	} else {
		out = make([]models.Record, 0, len(records))
		for i := range records {
			if fb.Match(&records[i]) {
				out = append(out, records[i].Clone())
			}
		}
	}
	sortRecords(out, opts.SortBy, opts.SortDir)
	return out
}

// sortRecords orders in place. Ties fall back to id so the order is total.
func sortRecords(records []models.Record, by SortBy, dir SortDir) {
	desc := dir != Asc
	compare := func(a, b *models.Record) int {
		if by == SortTitle {
			if c := strings.Compare(strings.ToLower(a.Title), strings.ToLower(b.Title)); c != 0 {
				return c
			}
		} else if a.UpdatedAt != b.UpdatedAt {
			if a.UpdatedAt < b.UpdatedAt {
				return -1
			}
			return 1
		}
		return strings.Compare(string(a.ID), string(b.ID))
	}
	sort.SliceStable(records, func(i, j int) bool {
		c := compare(&records[i], &records[j])
		if desc {
			return c > 0
		}
		return c < 0
	})
}
