package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/kimhsiao/litany/internal/config"
)

// Version is set at build time.
var Version = "0.1.0"

const noAppAnnotation = "litany/no-app"

// cli carries flag values and the opened app between cobra hooks.
type cli struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	configFile string
	envFile    string
	dataDir    string
	format     string
	noColor    bool

	cfg *config.Config
	app *app
	out *printer
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "litany",
		Short: "Litany - local-first prayer and note collection",
		Long: `Litany keeps a personal collection of short records on one device.

Records are cached in memory, written to SQLite after a short quiet period,
and kept consistent across processes and imported copies by a three-way
field merge with an auditable conflict history.`,
		Version:           Version,
		PersistentPreRunE: c.setup,
		SilenceUsage:      true,
		SilenceErrors:     true,
	}
	root.SetIn(c.stdin)
	root.SetOut(c.stdout)
	root.SetErr(c.stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&c.configFile, "config", "", "config file (default ./config.yaml or ~/.litany/config.yaml)")
	flags.StringVar(&c.envFile, "env-file", "", "dotenv file loaded before reading LITANY_* variables")
	flags.StringVar(&c.dataDir, "data-dir", "", "data directory (overrides LITANY_DATA_DIR)")
	flags.StringVarP(&c.format, "format", "o", "text", "output format: text, json or yaml")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")

	root.AddGroup(
		&cobra.Group{ID: "records", Title: "Records:"},
		&cobra.Group{ID: "conflicts", Title: "Conflicts:"},
		&cobra.Group{ID: "exchange", Title: "Import and export:"},
	)
	root.AddCommand(
		c.createCmd(), c.updateCmd(), c.getCmd(), c.listCmd(),
		c.deleteCmd(), c.restoreCmd(), c.purgeCmd(), c.purgeExpiredCmd(),
		c.trashCmd(), c.flushCmd(),
		c.mergeCmd(), c.conflictsCmd(), c.resolveCmd(), c.resolveBatchCmd(),
		c.prefsCmd(), c.reportCmd(), c.clearHistoryCmd(),
		c.exportCmd(), c.importCmd(), c.archiveCmd(), c.scheduleCmd(),
		c.watchCmd(), c.configCmd(),
	)
	return root
}

// setup resolves the configuration and, unless the command opts out, opens
// the data directory.
func (c *cli) setup(cmd *cobra.Command, _ []string) error {
	if c.noColor {
		color.NoColor = true
	}
	out, err := newPrinter(c.stdout, c.format)
	if err != nil {
		return err
	}
	c.out = out

	cfg, err := config.Load(config.LoadOptions{ConfigFile: c.configFile, EnvFile: c.envFile})
	if err != nil {
		return err
	}
	if c.dataDir != "" {
		cfg.SetDataDir(c.dataDir)
	}
	c.cfg = cfg

	if cmd.Annotations[noAppAnnotation] != "" {
		return nil
	}
	a, err := newApp(cfg, c.stderr)
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// teardown flushes and closes the app if one was opened.
func (c *cli) teardown() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.app.close(ctx)
	c.app = nil
	return err
}

// run executes the command line and returns the process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	c := &cli{stdin: stdin, stdout: stdout, stderr: stderr}
	root := newRootCmd(c)
	root.SetArgs(args)

	err := root.ExecuteContext(ctx)
	if closeErr := c.teardown(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s %v\n", errColor("Error:"), err)
		return 1
	}
	return 0
}
