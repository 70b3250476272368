package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
)

func (c *cli) watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Print a line whenever another process changes the collection",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			w, err := c.app.newWatcher()
			if err != nil {
				return err
			}
			if err := w.Start(); err != nil {
				return err
			}
			defer w.Stop()

			fmt.Fprintf(c.stderr, "%s watching %s, press Ctrl+C to stop\n", okColor("●"), c.cfg.DataDir)
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-w.Signals():
					records := c.app.store.LoadAll(ctx)
					event := map[string]any{"at": time.Now().UTC(), "records": len(records)}
					err := c.out.emit(event, func(out io.Writer) {
						fmt.Fprintf(out, "%s changed, %d records\n", time.Now().Format("15:04:05"), len(records))
					})
					if err != nil {
						return err
					}
				}
			}
		},
	}
}

func (c *cli) configCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "config",
		Short:       "Show the resolved configuration",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{noAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.out.format == "json" {
				return c.out.emit(c.cfg, nil)
			}
			if c.cfg.File != "" {
				fmt.Fprintf(c.stdout, "# %s\n", c.cfg.File)
			}
			return writeYAMLTagged(c.stdout, c.cfg)
		},
	}
}
