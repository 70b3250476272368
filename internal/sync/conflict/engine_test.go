package conflict

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/litany/internal/db"
	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/logging"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/uuid"
)

const (
	recordA = models.UUID("00000000-0000-4000-8000-0000000000aa")
	recordB = models.UUID("00000000-0000-4000-8000-0000000000bb")
	now     = int64(1700000000000)
)

func newTestEngine(t *testing.T) (*Engine, *db.Repository) {
	t.Helper()
	database, err := db.OpenMemory()
	require.NoError(t, err)
	repo := db.NewRepository(database.DB)
	t.Cleanup(func() {
		repo.Close()
		database.Close()
	})
	e := NewEngine(repo, Options{
		Clock:  func() int64 { return now },
		NewID:  uuid.Sequence(),
		Logger: logging.New(io.Discard, logging.LevelError),
	})
	return e, repo
}

func sample() models.Record {
	return models.Record{
		ID:          recordA,
		Title:       "Doa bangun tidur",
		Arabic:      "الْحَمْدُ لِلَّهِ",
		Latin:       "Alhamdulillah",
		Translation: "Segala puji bagi Allah",
		Category:    "harian",
		Tags:        []string{},
		Source:      "HR. Bukhari",
		CreatedAt:   now - 1000,
		UpdatedAt:   now - 500,
	}
}

// =====================================================
// Merge Tests
// =====================================================

func TestMergeRecords_identical(t *testing.T) {
	e, _ := newTestEngine(t)
	a := sample()

	res, err := e.MergeRecords(context.Background(), &a, &a, &a)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, a, res.MergedRecord)
}

func TestMergeRecords_tagUnion(t *testing.T) {
	e, _ := newTestEngine(t)
	base := sample()
	local := sample()
	local.Tags = []string{"pagi"}
	remote := sample()
	remote.Tags = []string{"harian"}

	res, err := e.MergeRecords(context.Background(), &local, &remote, &base)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"pagi", "harian"}, res.MergedRecord.Tags)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, 1, res.AutoResolvedCount)
	assert.Equal(t, models.ConflictContent, res.Conflicts[0].ConflictType)
	assert.Equal(t, models.StrategyMerge, res.Conflicts[0].Resolution.Strategy)
}

func TestMergeRecords_favoriteIsOr(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	remote := sample()
	remote.Favorite = true

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.MergedRecord.Favorite)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, models.ConflictMetadata, res.Conflicts[0].ConflictType)
}

func TestMergeRecords_updatedAtIsMax(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	remote := sample()
	remote.UpdatedAt = local.UpdatedAt + 250

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.Equal(t, remote.UpdatedAt, res.MergedRecord.UpdatedAt)
	assert.Equal(t, models.StrategyRemote, res.Conflicts[0].Resolution.Strategy)
}

func TestMergeRecords_deletionNeedsManual(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	remote := sample()
	remote.Source = ""

	var manual []*models.ConflictRecord
	e.SetEventCallbacks(EventCallbacks{
		OnManualRequired: func(c *models.ConflictRecord) { manual = append(manual, c) },
	})

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.GreaterOrEqual(t, res.ManualRequiredCount, 1)
	assert.Equal(t, local.Source, res.MergedRecord.Source, "manual fields keep the local value")
	require.Len(t, manual, 1)
	assert.Equal(t, models.ConflictDeletion, manual[0].ConflictType)
	assert.Nil(t, manual[0].Resolution)
}

func TestMergeRecords_creationTakesPresentSide(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	local.Latin = ""
	remote := sample()

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, remote.Latin, res.MergedRecord.Latin)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, models.ConflictCreation, res.Conflicts[0].ConflictType)
	assert.Equal(t, models.StrategyMerge, res.Conflicts[0].Resolution.Strategy)
}

func TestMergeRecords_longerTextWins(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	local.Translation = "Puji bagi Allah"
	remote := sample()
	remote.Translation = "Segala puji bagi Allah yang menghidupkan kami"

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.Equal(t, remote.Translation, res.MergedRecord.Translation)
}

func TestMergeRecords_onlyOneSideChanged(t *testing.T) {
	e, repo := newTestEngine(t)
	ctx := context.Background()
	base := sample()
	local := sample()
	remote := sample()
	remote.Category = "pagi"
	local.Translation = "Segala puji"

	res, err := e.MergeRecords(ctx, &local, &remote, &base)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "pagi", res.MergedRecord.Category)
	assert.Equal(t, "Segala puji", res.MergedRecord.Translation)

	history, err := repo.ListConflicts(ctx, recordA)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestMergeRecords_titleNotMerged(t *testing.T) {
	e, _ := newTestEngine(t)
	local := sample()
	remote := sample()
	remote.Title = "Another title"

	res, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, local.Title, res.MergedRecord.Title)
}

func TestMergeRecords_preferenceFirst(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.SetPreference(ctx, models.FieldTranslation, models.PreferLocal))
	require.NoError(t, e.SetPreference(ctx, models.FieldSource, models.PreferRemote))

	local := sample()
	local.Translation = "Puji"
	remote := sample()
	remote.Translation = "Segala puji bagi Allah Tuhan semesta alam"
	remote.Source = ""

	res, err := e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)
	assert.False(t, res.Success, "a removed value ignores preferences")
	assert.Equal(t, 1, res.ManualRequiredCount)
	assert.Equal(t, "Puji", res.MergedRecord.Translation)
	assert.Equal(t, local.Source, res.MergedRecord.Source)

	require.NoError(t, e.SetPreference(ctx, models.FieldTranslation, models.PreferAsk))
	res, err = e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)
	assert.Equal(t, remote.Translation, res.MergedRecord.Translation, "ask falls through to the default rule")

	require.NoError(t, e.ClearPreference(ctx, models.FieldSource))
	prefs, err := e.Preferences(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[models.Field]models.Preference{models.FieldTranslation: models.PreferAsk}, prefs)
}

func TestMergeRecords_deletionIgnoresPreference(t *testing.T) {
	for _, pref := range []models.Preference{models.PreferLocal, models.PreferRemote} {
		t.Run(string(pref), func(t *testing.T) {
			e, _ := newTestEngine(t)
			ctx := context.Background()
			require.NoError(t, e.SetPreference(ctx, models.FieldSource, pref))

			local := sample()
			local.Source = "HR. Bukhari"
			remote := sample()
			remote.Source = ""

			res, err := e.MergeRecords(ctx, &local, &remote, nil)
			require.NoError(t, err)
			assert.False(t, res.Success)
			assert.Equal(t, 1, res.ManualRequiredCount)
			assert.Equal(t, "HR. Bukhari", res.MergedRecord.Source)
			require.Len(t, res.Conflicts, 1)
			assert.Equal(t, models.ConflictDeletion, res.Conflicts[0].ConflictType)
			assert.False(t, res.Conflicts[0].Resolved())
		})
	}
}

func TestMergeRecords_invalidInput(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	a := sample()
	b := sample()
	b.ID = recordB

	_, err := e.MergeRecords(ctx, nil, &a, nil)
	assert.ErrorIs(t, err, ErrInvalidMerge)

	_, err = e.MergeRecords(ctx, &a, &b, nil)
	assert.ErrorIs(t, err, ErrRecordIDMismatch)
	assert.True(t, apperrors.Is(err, apperrors.ErrValidation))

	_, err = e.MergeRecords(ctx, &a, &a, &b)
	assert.ErrorIs(t, err, ErrRecordIDMismatch)
}

func TestMergeRecords_reentrantMergeRejected(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	local := sample()
	remote := sample()
	remote.Favorite = true
	other := sample()
	other.ID = recordB

	var sameErr, otherErr error
	calls := 0
	e.SetEventCallbacks(EventCallbacks{
		OnConflict: func(c *models.ConflictRecord) {
			calls++
			_, sameErr = e.MergeRecords(ctx, &local, &remote, nil)
			_, otherErr = e.MergeRecords(ctx, &other, &other, nil)
		},
	})

	_, err := e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
	assert.ErrorIs(t, sameErr, ErrReentrantMerge)
	assert.True(t, apperrors.Is(sameErr, apperrors.ErrReentrantMerge))
	assert.NoError(t, otherErr)

	// the guard is released once the merge returns
	e.SetEventCallbacks(EventCallbacks{})
	_, err = e.MergeRecords(ctx, &local, &remote, nil)
	assert.NoError(t, err)
}

// =====================================================
// History and Resolution Tests
// =====================================================

func TestEngine_historyAndManualResolution(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	local := sample()
	remote := sample()
	remote.Source = ""
	remote.Favorite = true

	res, err := e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 2)

	history, err := e.History(ctx, recordA)
	require.NoError(t, err)
	require.Len(t, history, 2)

	open, err := e.Unresolved(ctx, recordA)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, models.FieldSource, open[0].Field)

	err = e.ResolveManually(ctx, recordA, open[0].ID, models.Resolution{
		Strategy:      models.StrategyLocal,
		ResolvedValue: local.Source,
	})
	require.NoError(t, err)

	open, err = e.Unresolved(ctx, recordA)
	require.NoError(t, err)
	assert.Empty(t, open)

	err = e.ResolveManually(ctx, recordA, "missing", models.Resolution{Strategy: models.StrategyLocal})
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))

	err = e.ResolveManually(ctx, recordA, history[0].ID, models.Resolution{Strategy: "coin-flip"})
	assert.ErrorIs(t, err, ErrInvalidResolution)

	n, err := e.ClearHistory(ctx, recordA)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	history, err = e.History(ctx, recordA)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestEngine_ResolveBatch(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()
	local := sample()
	remote := sample()
	remote.Source = ""

	res, err := e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)
	require.Len(t, res.Conflicts, 1)

	out := e.ResolveBatch(ctx, []ResolutionRequest{
		{RecordID: recordA, ConflictID: res.Conflicts[0].ID, Resolution: models.Resolution{Strategy: models.StrategyRemote}},
		{RecordID: recordB, ConflictID: res.Conflicts[0].ID, Resolution: models.Resolution{Strategy: models.StrategyRemote}},
	})
	assert.Equal(t, 1, out.Succeeded)
	assert.Equal(t, 1, out.Failed)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, recordB, out.Errors[0].RecordID)
	assert.True(t, apperrors.Is(out.Errors[0].Err, apperrors.ErrNotFound))
}

func TestEngine_Report(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	empty, err := e.Report(ctx)
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.AutoResolutionRate)

	local := sample()
	local.Tags = []string{"pagi"}
	remote := sample()
	remote.Tags = []string{"petang"}
	remote.Source = ""
	remote.Favorite = true
	_, err = e.MergeRecords(ctx, &local, &remote, nil)
	require.NoError(t, err)

	rep, err := e.Report(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, rep.Total)
	assert.Equal(t, 2, rep.Resolved)
	assert.Equal(t, 1, rep.Unresolved)
	assert.Equal(t, 1, rep.ByType[models.ConflictDeletion])
	assert.Equal(t, 1, rep.ByType[models.ConflictMetadata])
	assert.Equal(t, 1, rep.ByType[models.ConflictContent])
	assert.InDelta(t, 2.0/3.0, rep.AutoResolutionRate, 1e-9)
	assert.Equal(t, []models.Field{models.FieldFavorite, models.FieldSource, models.FieldTags}, rep.Fields())
}

type failingStore struct {
	Store
}

func (failingStore) Preferences(context.Context) (map[models.Field]models.Preference, error) {
	return nil, errors.New("preferences unavailable")
}

func (failingStore) AppendConflicts(context.Context, []*models.ConflictRecord) error {
	return errors.New("disk full")
}

func TestMergeRecords_historyFailure(t *testing.T) {
	_, repo := newTestEngine(t)
	e := NewEngine(failingStore{Store: repo}, Options{Logger: logging.New(io.Discard, logging.LevelError)})
	local := sample()
	remote := sample()
	remote.Favorite = true

	_, err := e.MergeRecords(context.Background(), &local, &remote, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrDatabase))
}

// =====================================================
// Helper Tests
// =====================================================

func TestUnionOrdered(t *testing.T) {
	tests := []struct {
		name          string
		local, remote []string
		want          []string
	}{
		{"disjoint", []string{"pagi"}, []string{"harian"}, []string{"pagi", "harian"}},
		{"overlap", []string{"a", "b"}, []string{"b", "c"}, []string{"a", "b", "c"}},
		{"duplicates within", []string{"a", "a"}, []string{"a"}, []string{"a"}},
		{"both empty", nil, nil, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, unionOrdered(tt.local, tt.remote))
		})
	}
}

func TestEqualValues(t *testing.T) {
	assert.True(t, equalValues(models.KindSet, []string{"a"}, []string{"a"}))
	assert.False(t, equalValues(models.KindSet, []string{"a", "b"}, []string{"b", "a"}))
	assert.False(t, equalValues(models.KindSet, nil, []string{}))
	assert.True(t, equalValues(models.KindText, nil, nil))
	assert.False(t, equalValues(models.KindTimestamp, int64(1), int64(2)))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, models.ConflictMetadata, Classify(models.FieldFavorite, false, true))
	assert.Equal(t, models.ConflictMetadata, Classify(models.FieldUpdatedAt, int64(1), int64(2)))
	assert.Equal(t, models.ConflictCreation, Classify(models.FieldLatin, nil, "x"))
	assert.Equal(t, models.ConflictDeletion, Classify(models.FieldLatin, "x", nil))
	assert.Equal(t, models.ConflictContent, Classify(models.FieldLatin, "x", "y"))
}
