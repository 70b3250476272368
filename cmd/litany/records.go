package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/litany/internal/models"
	"github.com/kimhsiao/litany/internal/query"
	"github.com/kimhsiao/litany/internal/uuid"
)

// recordFlags binds the editable record fields to a command.
type recordFlags struct {
	title, arabic, latin, translation, category, source string
	tags                                                []string
	favorite                                            bool
}

func (f *recordFlags) bind(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.title, "title", "", "record title")
	fl.StringVar(&f.arabic, "arabic", "", "primary-script text")
	fl.StringVar(&f.latin, "latin", "", "transliteration")
	fl.StringVar(&f.translation, "translation", "", "translation")
	fl.StringVar(&f.category, "category", "", "category")
	fl.StringVar(&f.source, "source", "", "source citation")
	fl.StringSliceVar(&f.tags, "tags", nil, "comma-separated tags")
	fl.BoolVar(&f.favorite, "favorite", false, "mark as favorite")
}

func (f *recordFlags) draft() models.Draft {
	return models.Draft{
		Title:       f.title,
		Arabic:      f.arabic,
		Latin:       f.latin,
		Translation: f.translation,
		Category:    f.category,
		Tags:        cleanTags(f.tags),
		Source:      f.source,
		Favorite:    f.favorite,
	}
}

// patch includes only the flags given on the command line.
func (f *recordFlags) patch(cmd *cobra.Command) models.Patch {
	var p models.Patch
	changed := cmd.Flags().Changed
	if changed("title") {
		p.Title = &f.title
	}
	if changed("arabic") {
		p.Arabic = &f.arabic
	}
	if changed("latin") {
		p.Latin = &f.latin
	}
	if changed("translation") {
		p.Translation = &f.translation
	}
	if changed("category") {
		p.Category = &f.category
	}
	if changed("source") {
		p.Source = &f.source
	}
	if changed("tags") {
		tags := cleanTags(f.tags)
		p.Tags = &tags
	}
	if changed("favorite") {
		p.Favorite = &f.favorite
	}
	return p
}

// cleanTags trims tag values and drops empty ones.
func cleanTags(tags []string) []string {
	return query.TagsFromCommaString(strings.Join(tags, ","))
}

func parseID(s string) (models.UUID, error) {
	return uuid.Parse(strings.TrimSpace(s))
}

func (c *cli) createCmd() *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:     "create",
		GroupID: "records",
		Short:   "Create a record",
		Example: `  litany create --title "Doa pagi" --category harian --tags pagi,zikir`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := c.app.store.Create(cmd.Context(), f.draft())
			if err != nil {
				return err
			}
			return c.out.emit(r, func(w io.Writer) {
				fmt.Fprintf(w, "%s Created %s\n", okColor("✓"), r.ID)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (c *cli) updateCmd() *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:     "update <id>",
		GroupID: "records",
		Short:   "Update fields of a record",
		Long:    "Update the fields given as flags. Fields not named are left unchanged.",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := c.app.store.Update(cmd.Context(), id, f.patch(cmd))
			if err != nil {
				return err
			}
			return c.out.emit(r, func(w io.Writer) {
				fmt.Fprintf(w, "%s Updated %s\n", okColor("✓"), r.ID)
			})
		},
	}
	f.bind(cmd)
	return cmd
}

func (c *cli) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "get <id>",
		GroupID: "records",
		Short:   "Show a record",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			r, err := c.app.store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.out.emit(r, func(w io.Writer) { writeRecord(w, r) })
		},
	}
}

func (c *cli) listCmd() *cobra.Command {
	var (
		opts     query.Options
		favorite bool
		sortBy   string
		sortDir  string
	)
	cmd := &cobra.Command{
		Use:     "list",
		GroupID: "records",
		Short:   "List and filter records",
		Example: `  litany list --term pagi --tags zikir --sort title --dir asc`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("favorite") {
				opts.Favorite = &favorite
			}
			opts.SortBy = query.SortBy(sortBy)
			opts.SortDir = query.SortDir(sortDir)
			if err := opts.Validate(); err != nil {
				return err
			}
			records := query.Query(c.app.store.LoadAll(cmd.Context()), opts)
			if records == nil {
				records = []models.Record{}
			}
			return c.out.emit(records, func(w io.Writer) { writeRecordTable(w, records) })
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&opts.Term, "term", "", "case-insensitive text in title, latin, translation or tags")
	fl.StringVar(&opts.Category, "category", "", "exact category")
	fl.StringSliceVar(&opts.Tags, "tags", nil, "required tags (all must match)")
	fl.BoolVar(&favorite, "favorite", false, "only favorites (--favorite=false for non-favorites)")
	fl.StringVar(&sortBy, "sort", string(query.SortUpdatedAt), "sort key: updatedAt or title")
	fl.StringVar(&sortDir, "dir", string(query.Desc), "sort direction: asc or desc")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <id>...",
		GroupID: "records",
		Short:   "Move records to the trash",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.eachID(cmd, args, "Trashed", c.app.store.SoftDelete)
		},
	}
}

func (c *cli) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "restore <id>...",
		GroupID: "records",
		Short:   "Restore records from the trash",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.eachID(cmd, args, "Restored", c.app.store.Restore)
		},
	}
}

func (c *cli) purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "purge <id>...",
		GroupID: "records",
		Short:   "Permanently remove trashed records",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.eachID(cmd, args, "Purged", c.app.store.Purge)
		},
	}
}

type idOutcome struct {
	ID      models.UUID `json:"id"`
	Changed bool        `json:"changed"`
}

// eachID applies op to every id. Unknown ids are reported, not failed.
func (c *cli) eachID(cmd *cobra.Command, args []string, verb string,
	op func(ctx context.Context, id models.UUID) (bool, error)) error {
	var outcomes []idOutcome
	for _, arg := range args {
		id, err := parseID(arg)
		if err != nil {
			return err
		}
		changed, err := op(cmd.Context(), id)
		if err != nil {
			return err
		}
		outcomes = append(outcomes, idOutcome{ID: id, Changed: changed})
	}
	return c.out.emit(outcomes, func(w io.Writer) {
		for _, o := range outcomes {
			if o.Changed {
				fmt.Fprintf(w, "%s %s %s\n", okColor("✓"), verb, o.ID)
			} else {
				fmt.Fprintf(w, "%s %s not found, nothing to do\n", dimColor("-"), o.ID)
			}
		}
	})
}

func (c *cli) purgeExpiredCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:     "purge-expired",
		GroupID: "records",
		Short:   "Remove trash entries older than the retention period",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !cmd.Flags().Changed("days") {
				days = c.cfg.TrashRetentionDays
			}
			n, err := c.app.store.PurgeExpired(cmd.Context(), days)
			if err != nil {
				return err
			}
			out := map[string]int{"purged": n, "retentionDays": days}
			return c.out.emit(out, func(w io.Writer) {
				fmt.Fprintf(w, "%s Purged %d entries older than %d days\n", okColor("✓"), n, days)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "retention in days (default from trash_retention_days)")
	return cmd
}

func (c *cli) trashCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "trash",
		GroupID: "records",
		Short:   "List trashed records",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			entries := c.app.store.Trash(cmd.Context())
			if entries == nil {
				entries = []models.TrashEntry{}
			}
			return c.out.emit(entries, func(w io.Writer) {
				if len(entries) == 0 {
					fmt.Fprintln(w, dimColor("trash is empty"))
					return
				}
				for _, e := range entries {
					fmt.Fprintf(w, "%s  %s  %s\n", e.ID, formatMillis(e.DeletedAt), e.Title)
				}
			})
		},
	}
}

func (c *cli) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "flush",
		GroupID: "records",
		Short:   "Write pending changes now",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pending := c.app.store.Pending()
			if err := c.app.store.Flush(cmd.Context()); err != nil {
				return err
			}
			if pending == nil {
				pending = []string{}
			}
			return c.out.emit(map[string][]string{"flushed": pending}, func(w io.Writer) {
				fmt.Fprintf(w, "%s Flushed %d keys\n", okColor("✓"), len(pending))
			})
		},
	}
}
