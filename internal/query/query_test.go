package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/litany/internal/models"
)

func sample() []models.Record {
	return []models.Record{
		{ID: "a", Title: "Doa Pagi", Latin: "Allahumma bika asbahna", Category: "harian", Tags: []string{"pagi", "dzikir"}, UpdatedAt: 30},
		{ID: "b", Title: "doa makan", Translation: "Before eating", Category: "makan", Tags: []string{"harian"}, Favorite: true, UpdatedAt: 10},
		{ID: "c", Title: "Ayat Kursi", Category: "harian", Tags: []string{"dzikir"}, Favorite: true, UpdatedAt: 20},
		{ID: "d", Title: "ayat kursi", Category: "harian", Tags: []string{}, UpdatedAt: 20},
	}
}

func ids(records []models.Record) []models.UUID {
	out := make([]models.UUID, len(records))
	for i, r := range records {
		out[i] = r.ID
	}
	return out
}

func TestQuery_DefaultOrder(t *testing.T) {
	got := Query(sample(), Options{})
	assert.Equal(t, []models.UUID{"a", "d", "c", "b"}, ids(got), "updatedAt desc, ties by id desc")
}

func TestQuery_NoFilterMatchesFilteredPath(t *testing.T) {
	orders := []Options{
		{},
		{SortBy: SortTitle},
		{SortBy: SortTitle, SortDir: Asc},
		{SortBy: SortUpdatedAt, SortDir: Asc},
	}
	always := func(*models.Record) bool { return true }
	for _, opts := range orders {
		fast := Query(sample(), opts)
		filtered := Run(sample(), NewFilterBuilder().Where(always), opts)
		assert.Equal(t, fast, filtered, "sort %q %q", opts.SortBy, opts.SortDir)
	}
}

func TestQuery_TitleSortIsCaseInsensitive(t *testing.T) {
	got := Query(sample(), Options{SortBy: SortTitle, SortDir: Asc})
	assert.Equal(t, []models.UUID{"c", "d", "b", "a"}, ids(got))
}

func TestQuery_Filters(t *testing.T) {
	yes, no := true, false
	tests := []struct {
		name string
		opts Options
		want []models.UUID
	}{
		{"term in title", Options{Term: "KURSI"}, []models.UUID{"d", "c"}},
		{"term in latin", Options{Term: "asbahna"}, []models.UUID{"a"}},
		{"term in translation", Options{Term: "eating"}, []models.UUID{"b"}},
		{"term in tag", Options{Term: "dzik"}, []models.UUID{"a", "c"}},
		{"blank term is no filter", Options{Term: "  "}, []models.UUID{"a", "d", "c", "b"}},
		{"category exact", Options{Category: "makan"}, []models.UUID{"b"}},
		{"category is case-sensitive", Options{Category: "Harian"}, []models.UUID{}},
		{"all tags required", Options{Tags: []string{"pagi", "dzikir"}}, []models.UUID{"a"}},
		{"blank tags are ignored", Options{Tags: []string{"pagi", ""}}, []models.UUID{"a"}},
		{"only blank tags is no filter", Options{Tags: []string{" ", ""}}, []models.UUID{"a", "d", "c", "b"}},
		{"favorite true", Options{Favorite: &yes}, []models.UUID{"c", "b"}},
		{"favorite false", Options{Favorite: &no}, []models.UUID{"a", "d"}},
		{"combined", Options{Category: "harian", Tags: []string{"dzikir"}, Favorite: &yes}, []models.UUID{"c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(Query(sample(), tt.opts)))
		})
	}
}

func TestQuery_DoesNotModifyInput(t *testing.T) {
	in := sample()
	out := Query(in, Options{SortBy: SortTitle})
	out[0].Tags = append(out[0].Tags, "x")
	out[0].Title = "changed"
	assert.Equal(t, sample(), in)
}

func TestOptions_Validate(t *testing.T) {
	require.NoError(t, (&Options{SortBy: SortTitle, SortDir: Asc}).Validate())
	assert.Error(t, (&Options{SortBy: "createdAt"}).Validate())
	assert.Error(t, (&Options{SortDir: "up"}).Validate())
}

func TestFilterBuilder(t *testing.T) {
	fb := NewFilterBuilder().Term("").Category("").Tags().TagsFromCommaString(" pagi, ,dzikir ")
	assert.Equal(t, 1, fb.Count())
	assert.Equal(t, "*query.TagsFilter", fb.String())
	assert.Equal(t, "(no filters)", NewFilterBuilder().String())
	assert.Equal(t, 1, NewFilterBuilder().Tags("pagi", " ").Count())
	assert.Equal(t, []string{"a", "b"}, TagsFromCommaString("a, b,,"))
}
