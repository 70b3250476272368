package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"gopkg.in/yaml.v3"

	"github.com/kimhsiao/litany/internal/models"
)

var (
	okColor    = color.New(color.FgGreen).SprintFunc()
	warnColor  = color.New(color.FgYellow).SprintFunc()
	errColor   = color.New(color.FgRed, color.Bold).SprintFunc()
	titleColor = color.New(color.Bold).SprintFunc()
	dimColor   = color.New(color.Faint).SprintFunc()
)

// printer renders command results as text, JSON or YAML.
type printer struct {
	w      io.Writer
	format string
}

func newPrinter(w io.Writer, format string) (*printer, error) {
	switch format {
	case "text", "json", "yaml":
		return &printer{w: w, format: format}, nil
	}
	return nil, fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

// emit writes v in the structured formats and calls text otherwise.
func (p *printer) emit(v any, text func(w io.Writer)) error {
	switch p.format {
	case "json":
		enc := json.NewEncoder(p.w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		return writeYAML(p.w, v)
	}
	text(p.w)
	return nil
}

// writeYAML renders v through its JSON form so field names match the JSON
// output, keeping key order.
func writeYAML(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return err
	}
	blockStyle(&node)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return err
	}
	return enc.Close()
}

// writeYAMLTagged encodes v using its own yaml tags.
func writeYAMLTagged(w io.Writer, v any) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return err
	}
	return enc.Close()
}

// blockStyle clears the flow and quoting styles the JSON source implies.
func blockStyle(n *yaml.Node) {
	n.Style = 0
	for _, c := range n.Content {
		blockStyle(c)
	}
}

func formatMillis(ms int64) string {
	if ms == 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

func star(fav bool) string {
	if fav {
		return warnColor("*")
	}
	return " "
}

func writeRecordTable(w io.Writer, records []models.Record) {
	if len(records) == 0 {
		fmt.Fprintln(w, dimColor("no records"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFAV\tTITLE\tCATEGORY\tTAGS\tUPDATED")
	for _, r := range records {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, star(r.Favorite), r.Title, r.Category, strings.Join(r.Tags, ","), formatMillis(r.UpdatedAt))
	}
	tw.Flush()
}

func writeRecord(w io.Writer, r models.Record) {
	fmt.Fprintf(w, "%s %s\n", titleColor(r.Title), star(r.Favorite))
	fmt.Fprintf(w, "  id:          %s\n", r.ID)
	fmt.Fprintf(w, "  category:    %s\n", r.Category)
	for _, f := range []struct{ label, value string }{
		{"arabic", r.Arabic},
		{"latin", r.Latin},
		{"translation", r.Translation},
		{"source", r.Source},
	} {
		if f.value != "" {
			fmt.Fprintf(w, "  %-12s %s\n", f.label+":", f.value)
		}
	}
	if len(r.Tags) > 0 {
		fmt.Fprintf(w, "  tags:        %s\n", strings.Join(r.Tags, ", "))
	}
	fmt.Fprintf(w, "  created:     %s\n", formatMillis(r.CreatedAt))
	fmt.Fprintf(w, "  updated:     %s\n", formatMillis(r.UpdatedAt))
}

func formatValue(v any) string {
	if v == nil {
		return dimColor("<absent>")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}

func writeConflicts(w io.Writer, conflicts []*models.ConflictRecord) {
	if len(conflicts) == 0 {
		fmt.Fprintln(w, okColor("no conflicts"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "CONFLICT\tRECORD\tFIELD\tTYPE\tLOCAL\tREMOTE\tRESOLUTION")
	for _, c := range conflicts {
		res := warnColor("open")
		if c.Resolved() {
			res = okColor(string(c.Resolution.Strategy))
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.RecordID, c.Field, c.ConflictType,
			formatValue(c.LocalValue), formatValue(c.RemoteValue), res)
	}
	tw.Flush()
}
