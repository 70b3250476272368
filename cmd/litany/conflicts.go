package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/sync/conflict"
)

func (c *cli) mergeCmd() *cobra.Command {
	var (
		basePath string
		apply    bool
	)
	cmd := &cobra.Command{
		Use:     "merge <remote.json>",
		GroupID: "conflicts",
		Short:   "Three-way merge a remote copy of a record into the local one",
		Long: `Merge reads a remote copy of one record (JSON, "-" for stdin) and merges
it with the local record of the same id. The common ancestor is taken from
--base, or from the copy seen at the last import. Without --apply the merged
record is only shown; conflicts are recorded either way.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			remote, err := readRecord(args[0], c.stdin)
			if err != nil {
				return err
			}
			local, err := c.app.store.Get(ctx, remote.ID)
			if err != nil {
				return err
			}

			var base *models.Record
			if basePath != "" {
				b, err := readRecord(basePath, c.stdin)
				if err != nil {
					return err
				}
				base = &b
			} else if b, ok := c.app.reconciler.Base(ctx, remote.ID); ok {
				base = &b
			}

			result, err := c.app.engine.MergeRecords(ctx, &local, &remote, base)
			if err != nil {
				return err
			}
			if apply {
				merged, err := c.app.store.ApplyMerged(ctx, result.MergedRecord)
				if err != nil {
					return err
				}
				result.MergedRecord = merged
			}
			return c.out.emit(result, func(w io.Writer) { writeMergeResult(w, result, apply) })
		},
	}
	cmd.Flags().StringVar(&basePath, "base", "", "common ancestor record (JSON file)")
	cmd.Flags().BoolVar(&apply, "apply", false, "write the merged record to the store")
	return cmd
}

func readRecord(path string, stdin io.Reader) (models.Record, error) {
	data, err := readInput(path, stdin)
	if err != nil {
		return models.Record{}, err
	}
	var r models.Record
	if err := json.Unmarshal(data, &r); err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrValidation, "decode record "+path, err)
	}
	id, err := parseID(string(r.ID))
	if err != nil {
		return models.Record{}, apperrors.Wrap(apperrors.ErrValidation, "record "+path, err)
	}
	r.ID = id
	return r, nil
}

func writeMergeResult(w io.Writer, res *models.MergeResult, applied bool) {
	status := okColor("merged")
	if !res.Success {
		status = warnColor("needs manual resolution")
	}
	fmt.Fprintf(w, "%s %s: %s\n", titleColor("Merge"), res.MergedRecord.ID, status)
	fmt.Fprintf(w, "  auto-resolved: %d, manual: %d\n", res.AutoResolvedCount, res.ManualRequiredCount)
	if len(res.Conflicts) > 0 {
		writeConflicts(w, res.Conflicts)
	}
	if applied {
		fmt.Fprintf(w, "%s merged record written\n", okColor("✓"))
	}
}

func (c *cli) conflictsCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:     "conflicts [record-id]",
		GroupID: "conflicts",
		Short:   "List recorded conflicts",
		Long: `List conflicts still waiting for a resolution. With a record id, only that
record's conflicts are shown; --all includes resolved ones.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var (
				list []*models.ConflictRecord
				err  error
			)
			switch {
			case len(args) == 1:
				id, perr := parseID(args[0])
				if perr != nil {
					return perr
				}
				if all {
					list, err = c.app.engine.History(ctx, id)
				} else {
					list, err = c.app.engine.Unresolved(ctx, id)
				}
			default:
				list, err = c.app.repo.ListAllConflicts(ctx)
				if err == nil && !all {
					list = openOnly(list)
				}
			}
			if err != nil {
				return err
			}
			if list == nil {
				list = []*models.ConflictRecord{}
			}
			return c.out.emit(list, func(w io.Writer) { writeConflicts(w, list) })
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include resolved conflicts")
	return cmd
}

func openOnly(list []*models.ConflictRecord) []*models.ConflictRecord {
	var open []*models.ConflictRecord
	for _, cr := range list {
		if !cr.Resolved() {
			open = append(open, cr)
		}
	}
	return open
}

// resolveFlags holds the resolve command flags.
type resolveFlags struct {
	strategy string
	value    string
	notes    string
	apply    bool
}

func (c *cli) resolveCmd() *cobra.Command {
	var f resolveFlags
	cmd := &cobra.Command{
		Use:     "resolve <record-id> <conflict-id>",
		GroupID: "conflicts",
		Short:   "Resolve a recorded conflict",
		Long: `Resolve attaches a resolution to a conflict. The local and remote
strategies take the value recorded with the conflict; merge and manual need
--value as JSON. With --apply the chosen value is also written to the record.`,
		Example: `  litany resolve <id> <conflict> --strategy remote --apply
  litany resolve <id> <conflict> --strategy manual --value '["pagi","zikir"]'`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			res, err := c.resolve(cmd, id, args[1], f)
			if err != nil {
				return err
			}
			return c.out.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s Resolved %s with %s\n", okColor("✓"), args[1], res.Strategy)
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&f.strategy, "strategy", "", "local, remote, merge or manual")
	fl.StringVar(&f.value, "value", "", "resolved value as JSON (merge and manual)")
	fl.StringVar(&f.notes, "notes", "", "free-form note stored with the resolution")
	fl.BoolVar(&f.apply, "apply", false, "write the resolved value to the record")
	cmd.MarkFlagRequired("strategy")
	return cmd
}

// resolve builds the resolution for one conflict, stores it and optionally
// applies the value to the live record as a regular update.
func (c *cli) resolve(cmd *cobra.Command, id models.UUID, conflictID string, f resolveFlags) (*models.Resolution, error) {
	ctx := cmd.Context()
	found, err := c.findConflict(cmd, id, conflictID)
	if err != nil {
		return nil, err
	}

	res := models.Resolution{Strategy: models.Strategy(strings.ToLower(f.strategy)), Notes: f.notes}
	switch {
	case f.value != "":
		v, err := found.Field.DecodeValue([]byte(f.value))
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "decode --value", err)
		}
		res.ResolvedValue = v
	case res.Strategy == models.StrategyLocal:
		res.ResolvedValue = found.LocalValue
	case res.Strategy == models.StrategyRemote:
		res.ResolvedValue = found.RemoteValue
	case res.Strategy.Valid():
		return nil, apperrors.Newf(apperrors.ErrValidation, "strategy %s needs --value", res.Strategy)
	}

	var patch models.Patch
	if f.apply {
		if patch, err = found.Field.Patch(res.ResolvedValue); err == nil {
			err = patch.Validate()
		}
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrValidation, "apply resolution", err)
		}
	}

	if err := c.app.engine.ResolveManually(ctx, id, conflictID, res); err != nil {
		return nil, err
	}
	if !f.apply {
		return &res, nil
	}
	if _, err := c.app.store.Update(ctx, id, patch); err != nil {
		return nil, err
	}
	return &res, nil
}

func (c *cli) findConflict(cmd *cobra.Command, id models.UUID, conflictID string) (*models.ConflictRecord, error) {
	history, err := c.app.engine.History(cmd.Context(), id)
	if err != nil {
		return nil, err
	}
	for _, cr := range history {
		if cr.ID == conflictID {
			return cr, nil
		}
	}
	return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found for record %s", conflictID, id)
}

// batchEntry is one line of a resolve-batch input file.
type batchEntry struct {
	RecordID   models.UUID     `json:"recordId"`
	ConflictID string          `json:"conflictId"`
	Strategy   models.Strategy `json:"strategy"`
	Value      json.RawMessage `json:"value,omitempty"`
	Notes      string          `json:"notes,omitempty"`
}

type batchOutput struct {
	Succeeded int          `json:"succeeded"`
	Failed    int          `json:"failed"`
	Errors    []batchIssue `json:"errors,omitempty"`
}

type batchIssue struct {
	RecordID   models.UUID `json:"recordId"`
	ConflictID string      `json:"conflictId"`
	Error      string      `json:"error"`
}

func (c *cli) resolveBatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "resolve-batch <file.json>",
		GroupID: "conflicts",
		Short:   "Resolve many conflicts from a JSON list",
		Long: `Each entry is {"recordId", "conflictId", "strategy", "value", "notes"}.
Entries are applied independently; one failure does not stop the rest.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(args[0], c.stdin)
			if err != nil {
				return err
			}
			var entries []batchEntry
			if err := json.Unmarshal(data, &entries); err != nil {
				return apperrors.Wrap(apperrors.ErrValidation, "decode batch", err)
			}

			reqs := make([]conflict.ResolutionRequest, 0, len(entries))
			var decodeIssues []batchIssue
			for _, e := range entries {
				res := models.Resolution{Strategy: e.Strategy, Notes: e.Notes}
				if len(e.Value) > 0 {
					var v any
					if err := json.Unmarshal(e.Value, &v); err != nil {
						decodeIssues = append(decodeIssues, batchIssue{e.RecordID, e.ConflictID, err.Error()})
						continue
					}
					res.ResolvedValue = v
				}
				reqs = append(reqs, conflict.ResolutionRequest{
					RecordID: e.RecordID, ConflictID: e.ConflictID, Resolution: res,
				})
			}

			result := c.app.engine.ResolveBatch(cmd.Context(), reqs)
			out := batchOutput{Succeeded: result.Succeeded, Failed: result.Failed + len(decodeIssues), Errors: decodeIssues}
			for _, be := range result.Errors {
				out.Errors = append(out.Errors, batchIssue{be.RecordID, be.ConflictID, be.Err.Error()})
			}
			return c.out.emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s %d resolved, %d failed\n", okColor("✓"), out.Succeeded, out.Failed)
				for _, is := range out.Errors {
					fmt.Fprintf(w, "  %s %s/%s: %s\n", errColor("x"), is.RecordID, is.ConflictID, is.Error)
				}
			})
		},
	}
}

func (c *cli) prefsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "prefs",
		GroupID: "conflicts",
		Short:   "Show or change per-field merge preferences",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			prefs, err := c.app.engine.Preferences(cmd.Context())
			if err != nil {
				return err
			}
			return c.out.emit(prefs, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "FIELD\tPREFERENCE")
				for _, f := range models.Fields() {
					p, ok := prefs[f]
					val := dimColor("default")
					if ok {
						val = string(p)
					}
					fmt.Fprintf(tw, "%s\t%s\n", f, val)
				}
				tw.Flush()
			})
		},
	}

	set := &cobra.Command{
		Use:   "set <field> <local|remote|ask>",
		Short: "Set a field preference",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			field, pref := models.Field(args[0]), models.Preference(strings.ToLower(args[1]))
			if err := c.app.engine.SetPreference(cmd.Context(), field, pref); err != nil {
				return err
			}
			return c.out.emit(map[models.Field]models.Preference{field: pref}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s = %s\n", okColor("✓"), field, pref)
			})
		},
	}
	clearCmd := &cobra.Command{
		Use:   "clear <field>",
		Short: "Remove a field preference",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			field := models.Field(args[0])
			if err := c.app.engine.ClearPreference(cmd.Context(), field); err != nil {
				return err
			}
			return c.out.emit(map[string]string{"cleared": string(field)}, func(w io.Writer) {
				fmt.Fprintf(w, "%s %s uses the default rule\n", okColor("✓"), field)
			})
		},
	}
	cmd.AddCommand(set, clearCmd)
	return cmd
}

func (c *cli) reportCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "report",
		GroupID: "conflicts",
		Short:   "Summarize the conflict history",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			report, err := c.app.engine.Report(cmd.Context())
			if err != nil {
				return err
			}
			return c.out.emit(report, func(w io.Writer) { writeReport(w, report) })
		},
	}
}

func writeReport(w io.Writer, r *conflict.Report) {
	fmt.Fprintln(w, titleColor("Conflict report"))
	fmt.Fprintf(w, "  total:      %d\n", r.Total)
	fmt.Fprintf(w, "  resolved:   %s\n", okColor(r.Resolved))
	unresolved := fmt.Sprint(r.Unresolved)
	if r.Unresolved > 0 {
		unresolved = warnColor(r.Unresolved)
	}
	fmt.Fprintf(w, "  unresolved: %s\n", unresolved)
	fmt.Fprintf(w, "  auto-resolution rate: %.1f%%\n", r.AutoResolutionRate*100)
	if r.Total == 0 {
		return
	}

	fmt.Fprintln(w, titleColor("By type"))
	for _, t := range []models.ConflictType{
		models.ConflictContent, models.ConflictMetadata, models.ConflictCreation, models.ConflictDeletion,
	} {
		if n := r.ByType[t]; n > 0 {
			fmt.Fprintf(w, "  %-10s %d\n", t, n)
		}
	}
	fmt.Fprintln(w, titleColor("By field"))
	for _, f := range r.Fields() {
		fmt.Fprintf(w, "  %-12s %d\n", f, r.ByField[f])
	}
}

func (c *cli) clearHistoryCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "clear-history <record-id>",
		GroupID: "conflicts",
		Short:   "Drop a record's conflict history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			n, err := c.app.engine.ClearHistory(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.out.emit(map[string]int64{"removed": n}, func(w io.Writer) {
				fmt.Fprintf(w, "%s Removed %d conflict entries\n", okColor("✓"), n)
			})
		},
	}
}
