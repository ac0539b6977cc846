package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Output format constants.
const (
	outputJSON  = "json"
	outputYAML  = "yaml"
	outputTable = "table"
)

var titleCaser = cases.Title(language.English)

// render prints v as JSON or YAML when requested and reports whether it did.
// Table output is left to the caller.
func render(w io.Writer, v any) (bool, error) {
	switch flagOutput {
	case outputJSON:
		return true, printJSON(w, v)
	case outputYAML:
		return true, printYAML(w, v)
	case outputTable, "":
		return false, nil
	default:
		return true, fmt.Errorf("unknown output format %q (use table, json or yaml)", flagOutput)
	}
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printYAML(w io.Writer, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal YAML: %w", err)
	}
	_, err = w.Write(data)
	return err
}

func unmarshal(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

type tableWriter struct {
	w *tabwriter.Writer
}

func newTable(out io.Writer, headers ...string) *tableWriter {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	return &tableWriter{w: w}
}

func (t *tableWriter) AddRow(values ...string) {
	fmt.Fprintln(t.w, strings.Join(values, "\t"))
}

func (t *tableWriter) Flush() error {
	return t.w.Flush()
}

// statusLabel renders a status such as "running" as "Running".
func statusLabel(status string) string {
	return titleCaser.String(status)
}

func ptrStr(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func age(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return time.Since(t).Round(time.Second).String()
}

func percent(done, total int) string {
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%d/%d (%.0f%%)", done, total, float64(done)*100/float64(total))
}
