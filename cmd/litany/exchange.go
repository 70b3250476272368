package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/kimhsiao/litany/internal/errors"
	"github.com/kimhsiao/litany/internal/export"
	"github.com/kimhsiao/litany/internal/export/scheduler"
)

func (c *cli) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "export [file]",
		GroupID: "exchange",
		Short:   "Write the collection, trash and preferences as a JSON envelope",
		Long:    `Export writes an interchange envelope to file, or to stdout when no file or "-" is given.`,
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := c.app.exporter.Export(cmd.Context())
			if err != nil {
				return err
			}
			data, err := export.Marshal(env)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrExportFailed, "encode envelope", err)
			}
			if len(args) == 0 || args[0] == "-" {
				_, err := c.stdout.Write(data)
				return err
			}
			if err := os.WriteFile(args[0], data, 0o600); err != nil {
				return apperrors.Wrap(apperrors.ErrExportFailed, "write envelope", err)
			}
			summary := map[string]any{"file": args[0], "records": len(env.Records), "trash": len(env.Trash)}
			return c.out.emit(summary, func(w io.Writer) {
				fmt.Fprintf(w, "%s Exported %d records and %d trash entries to %s\n",
					okColor("✓"), len(env.Records), len(env.Trash), args[0])
			})
		},
	}
}

// importFlags are shared by import and archive restore.
type importFlags struct {
	mode        string
	skipInvalid bool
}

func (f *importFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.mode, "mode", string(export.ModeMerge), "merge (reconcile through the merge engine) or replace")
	cmd.Flags().BoolVar(&f.skipInvalid, "skip-invalid", false, "import valid entries and report the rest")
}

func (f *importFlags) options() (export.ImportOptions, error) {
	mode, err := export.ParseImportMode(f.mode)
	if err != nil {
		return export.ImportOptions{}, err
	}
	return export.ImportOptions{Mode: mode, SkipInvalid: f.skipInvalid}, nil
}

func (c *cli) importCmd() *cobra.Command {
	var f importFlags
	cmd := &cobra.Command{
		Use:     "import <file>",
		GroupID: "exchange",
		Short:   "Import a JSON envelope",
		Long: `Import validates the whole envelope first. Any invalid entry rejects the
import and leaves the collection untouched unless --skip-invalid is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			data, err := readInput(args[0], c.stdin)
			if err != nil {
				return err
			}
			res, err := c.app.exporter.Import(cmd.Context(), data, opts)
			return c.reportImport(res, err)
		},
	}
	f.bind(cmd)
	return cmd
}

// reportImport prints an import outcome, listing entry problems on failure.
func (c *cli) reportImport(res *export.ImportResult, err error) error {
	if err != nil {
		for _, p := range export.ProblemsOf(err) {
			fmt.Fprintf(c.stderr, "  %s %s\n", errColor("x"), p)
		}
		return err
	}
	return c.out.emit(res, func(w io.Writer) {
		fmt.Fprintf(w, "%s Imported (%s): %d records, %d trash entries\n",
			okColor("✓"), res.Mode, res.Records, res.Trash)
		if res.Sync != nil {
			s := res.Sync
			fmt.Fprintf(w, "  adopted %d, merged %d, unchanged %d, skipped trashed %d, remote deletions %d\n",
				s.Adopted, s.Merged, s.Unchanged, s.SkippedTrashed, s.RemoteDeleted)
			if s.ManualRequired > 0 {
				fmt.Fprintf(w, "  %s %d conflicts need manual resolution\n", warnColor("!"), s.ManualRequired)
			}
		}
		if res.Skipped > 0 {
			fmt.Fprintf(w, "  %s skipped %d invalid entries\n", warnColor("!"), res.Skipped)
			for _, p := range res.Problems {
				fmt.Fprintf(w, "    %s\n", p)
			}
		}
	})
}

func (c *cli) archiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "archive",
		GroupID: "exchange",
		Short:   "Create, restore and list tar.gz snapshots",
	}

	create := &cobra.Command{
		Use:   "create [path]",
		Short: "Write a snapshot archive (default: export_dir)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := filepath.Join(c.cfg.ExportDir, export.ArchiveName(time.Now()))
			if len(args) == 1 {
				path = args[0]
			}
			res, err := c.app.exporter.ExportArchive(cmd.Context(), path)
			if err != nil {
				return err
			}
			return c.out.emit(res, func(w io.Writer) {
				fmt.Fprintf(w, "%s Archived %d records to %s (%d bytes)\n",
					okColor("✓"), res.RecordCount, res.FilePath, res.SizeBytes)
			})
		},
	}

	var f importFlags
	restore := &cobra.Command{
		Use:   "restore <path>",
		Short: "Verify and import a snapshot archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := f.options()
			if err != nil {
				return err
			}
			res, err := c.app.exporter.ImportArchive(cmd.Context(), args[0], opts)
			return c.reportImport(res, err)
		},
	}
	f.bind(restore)

	list := &cobra.Command{
		Use:   "list",
		Short: "List archives in export_dir, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			archives, err := scheduler.ListArchives(c.cfg.ExportDir)
			if err != nil {
				return err
			}
			if archives == nil {
				archives = []*scheduler.ArchiveInfo{}
			}
			return c.out.emit(archives, func(w io.Writer) {
				if len(archives) == 0 {
					fmt.Fprintln(w, dimColor("no archives in "+c.cfg.ExportDir))
					return
				}
				for _, a := range archives {
					fmt.Fprintf(w, "%s  %8d  %s\n", a.CreatedAt.Local().Format("2006-01-02 15:04:05"), a.SizeBytes, a.Path)
				}
			})
		},
	}
	list.Annotations = map[string]string{noAppAnnotation: "true"}

	cmd.AddCommand(create, restore, list)
	return cmd
}

func (c *cli) scheduleCmd() *cobra.Command {
	var (
		interval string
		once     bool
	)
	cmd := &cobra.Command{
		Use:     "schedule",
		GroupID: "exchange",
		Short:   "Take periodic snapshot archives until interrupted",
		Long: `Schedule writes an archive to export_dir every export_interval (daily,
weekly, monthly or a duration such as 6h) and keeps the newest
export_retention archives. While it runs, writes by other processes are
picked up when watch is enabled.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if !cmd.Flags().Changed("interval") {
				interval = c.cfg.ExportInterval
			}
			iv, every, err := scheduler.ParseInterval(interval)
			if err != nil {
				return err
			}
			sched := scheduler.NewScheduler(c.app.exporter, &scheduler.SchedulerConfig{
				Interval:       iv,
				Every:          every,
				RetentionCount: c.cfg.ExportRetention,
				ExportDir:      c.cfg.ExportDir,
			}, c.app.log)

			if once {
				res, err := sched.RunOnce(ctx)
				if err != nil {
					return err
				}
				return c.out.emit(res, func(w io.Writer) {
					fmt.Fprintf(w, "%s Archived %d records to %s\n", okColor("✓"), res.RecordCount, res.FilePath)
				})
			}
			if iv == scheduler.IntervalManual && every == 0 {
				return fmt.Errorf("export_interval is manual; pass --interval or --once")
			}

			if c.cfg.Watch {
				w, err := c.app.newWatcher()
				if err != nil {
					return err
				}
				if err := w.Start(); err != nil {
					return err
				}
				defer w.Stop()
			}
			if err := sched.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(c.stderr, "%s exporting to %s, press Ctrl+C to stop\n", okColor("●"), c.cfg.ExportDir)
			<-ctx.Done()
			sched.Stop()
			return nil
		},
	}
	cmd.Flags().StringVar(&interval, "interval", "", "override export_interval")
	cmd.Flags().BoolVar(&once, "once", false, "take one snapshot, apply retention and exit")
	return cmd
}
