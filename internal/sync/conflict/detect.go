package conflict

import (
	"github.com/kimhsiao/litany/internal/models"
)

// fieldDiff is one whitelisted field whose local and remote values differ
// and could not be settled by the base.
type fieldDiff struct {
	field  models.Field
	local  any
	remote any
	base   any
	kind   models.ConflictType
}

// equalValues compares two values produced by Field.ValueOf. Lists are
// compared element-wise in order; an absent list never equals an empty one.
func equalValues(kind models.FieldKind, a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch kind {
	case models.KindText:
		as, aok := a.(string)
		bs, bok := b.(string)
		return aok && bok && as == bs
	case models.KindSet:
		as, aok := a.([]string)
		bs, bok := b.([]string)
		if !aok || !bok || len(as) != len(bs) {
			return false
		}
		for i := range as {
			if as[i] != bs[i] {
				return false
			}
		}
		return true
	case models.KindFlag:
		ab, aok := a.(bool)
		bb, bok := b.(bool)
		return aok && bok && ab == bb
	case models.KindTimestamp:
		at, aok := a.(int64)
		bt, bok := b.(int64)
		return aok && bok && at == bt
	}
	return false
}

// Classify returns the conflict type for a divergent field.
func Classify(field models.Field, local, remote any) models.ConflictType {
	switch {
	case field == models.FieldUpdatedAt || field == models.FieldFavorite:
		return models.ConflictMetadata
	case local == nil && remote != nil:
		return models.ConflictCreation
	case remote == nil && local != nil:
		return models.ConflictDeletion
	default:
		return models.ConflictContent
	}
}

// detect walks the field whitelist. Fields where only one side moved away
// from base are written into merged directly; the rest come back as diffs.
func detect(local, remote, base *models.Record, merged *models.Record) ([]fieldDiff, error) {
	var diffs []fieldDiff
	for _, f := range models.Fields() {
		kind := f.Kind()
		lv, rv := f.ValueOf(local), f.ValueOf(remote)
		if equalValues(kind, lv, rv) {
			continue
		}

		var bv any
		if base != nil {
			bv = f.ValueOf(base)
			switch {
			case equalValues(kind, lv, bv):
				if err := f.Assign(merged, rv); err != nil {
					return nil, err
				}
				continue
			case equalValues(kind, rv, bv):
				continue
			}
		}

		diffs = append(diffs, fieldDiff{
			field:  f,
			local:  lv,
			remote: rv,
			base:   bv,
			kind:   Classify(f, lv, rv),
		})
	}
	return diffs, nil
}
