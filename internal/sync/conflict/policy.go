package conflict

import (
	"unicode/utf8"

	"github.com/kimhsiao/litany/internal/models"
)

// decision is the policy table's verdict for one conflict.
type decision struct {
	manual   bool
	strategy models.Strategy
	value    any
	notes    string
}

func manualRequired(notes string) decision {
	return decision{manual: true, strategy: models.StrategyManual, notes: notes}
}

// decide applies the ordered policy table. The first matching rule wins.
// A removed value always needs a person; stored preferences do not apply.
func decide(d fieldDiff, prefs map[models.Field]models.Preference) decision {
	if d.kind == models.ConflictDeletion {
		return manualRequired("value removed on one side")
	}

	switch prefs[d.field] {
	case models.PreferLocal:
		return decision{strategy: models.StrategyLocal, value: d.local, notes: "user preference"}
	case models.PreferRemote:
		return decision{strategy: models.StrategyRemote, value: d.remote, notes: "user preference"}
	}

	switch d.kind {
	case models.ConflictMetadata:
		return decideMetadata(d)
	case models.ConflictCreation:
		return decision{strategy: models.StrategyMerge, value: d.remote, notes: "value added on one side"}
	case models.ConflictDeletion:
		return manualRequired("value removed on one side")
	case models.ConflictContent:
		return decideContent(d)
	}
	return manualRequired("no rule")
}

func decideMetadata(d fieldDiff) decision {
	switch d.field.Kind() {
	case models.KindTimestamp:
		l, _ := d.local.(int64)
		r, _ := d.remote.(int64)
		if r > l {
			return decision{strategy: models.StrategyRemote, value: r, notes: "latest timestamp"}
		}
		return decision{strategy: models.StrategyLocal, value: l, notes: "latest timestamp"}
	case models.KindFlag:
		l, _ := d.local.(bool)
		r, _ := d.remote.(bool)
		return decision{strategy: models.StrategyMerge, value: l || r, notes: "flag set on either side"}
	case models.KindText, models.KindSet:
		return manualRequired("no metadata rule")
	}
	return manualRequired("no rule")
}

func decideContent(d fieldDiff) decision {
	switch d.field.Kind() {
	case models.KindSet:
		l, _ := d.local.([]string)
		r, _ := d.remote.([]string)
		return decision{strategy: models.StrategyMerge, value: unionOrdered(l, r), notes: "union"}
	case models.KindText:
		// Longer wins. A deliberately shortened correction loses to the
		// longer stale value; ties keep local.
		l, _ := d.local.(string)
		r, _ := d.remote.(string)
		if utf8.RuneCountInString(r) > utf8.RuneCountInString(l) {
			return decision{strategy: models.StrategyRemote, value: r, notes: "longer text"}
		}
		return decision{strategy: models.StrategyLocal, value: l, notes: "longer text"}
	case models.KindFlag, models.KindTimestamp:
		return manualRequired("no content rule")
	}
	return manualRequired("no rule")
}

// unionOrdered returns local's items followed by remote-only items, without
// duplicates.
func unionOrdered(local, remote []string) []string {
	seen := make(map[string]bool, len(local)+len(remote))
	out := make([]string, 0, len(local)+len(remote))
	for _, list := range [][]string{local, remote} {
		for _, s := range list {
			if seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
