package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"verifyci/internal/core"
	"verifyci/internal/ledger"
)

// Format selects how an outcome is rendered
type Format string

const (
	Table    Format = "table"    // terminal table
	Markdown Format = "markdown" // GitHub-flavoured Markdown, for job summaries
	JSON     Format = "json"
)

// ParseFormat validates a --format value
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case Table, Markdown, JSON:
		return f, nil
	case "":
		return Table, nil
	}
	return "", fmt.Errorf("unknown report format %q (want table, markdown or json)", s)
}

var (
	passStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

// Options tune rendering
type Options struct {
	Color bool // style PASS/FAIL for terminals (table format only)
}

// Write renders the outcome in the given format
func Write(w io.Writer, o *core.Outcome, f Format, opts Options) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(o)
	case Markdown:
		_, err := fmt.Fprintln(w, outcomeTable(o, opts).RenderMarkdown())
		return err
	default:
		_, err := fmt.Fprintln(w, outcomeTable(o, opts).Render())
		return err
	}
}

// newTable keeps header and footer text as written instead of upper-casing it
func newTable() table.Writer {
	style := table.StyleLight
	style.Format.Header = text.FormatDefault
	style.Format.Footer = text.FormatDefault

	tw := table.NewWriter()
	tw.SetStyle(style)
	return tw
}

func outcomeTable(o *core.Outcome, opts Options) table.Writer {
	tw := newTable()
	tw.SetTitle(fmt.Sprintf("%s · run %s", o.Pipeline, o.RunID))
	tw.AppendHeader(table.Row{"Stage", "Kind", "Status", "Failure", "Exit", "Duration"})

	for _, r := range o.Results {
		failure := core.FailureKind(r.Err)
		if failure == "" && r.Err != nil {
			failure = r.Err.Error()
		}
		tw.AppendRow(table.Row{
			r.Stage,
			r.Kind,
			statusLabel(r.Status, opts),
			failure,
			r.ExitCode,
			r.Duration.Round(time.Millisecond),
		})
	}

	label := statusLabel(o.Status, opts)
	if o.Superseded {
		label += " (superseded)"
	}
	tw.AppendFooter(table.Row{"Outcome", "", label, fmt.Sprintf("%d failed", len(o.Failed())), "", o.FinishedAt.Sub(o.StartedAt).Round(time.Millisecond)})
	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 4, WidthMax: 48},
		{Number: 5, Align: text.AlignRight},
		{Number: 6, Align: text.AlignRight},
	})
	return tw
}

func statusLabel(s core.Status, opts Options) string {
	label := strings.ToUpper(string(s))
	if !opts.Color {
		return label
	}
	if s == core.StatusPass {
		return passStyle.Render(label)
	}
	return failStyle.Render(label)
}

// Failures writes the output tail of each failed stage, so a reader sees why
func Failures(w io.Writer, o *core.Outcome, tailLines int, opts Options) {
	for _, r := range o.Failed() {
		fmt.Fprintf(w, "\n--- %s: %v\n", r.Stage, r.Err)
		tail := lastLines(r.Output, tailLines)
		if opts.Color {
			tail = dimStyle.Render(tail)
		}
		if tail != "" {
			fmt.Fprintln(w, tail)
		}
	}
}

func lastLines(s string, n int) string {
	s = strings.TrimRight(s, "\n")
	if n <= 0 || s == "" {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

// Ledger renders ledger records as a table
func Ledger(w io.Writer, records []*ledger.Record, f Format) error {
	if f == JSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	tw := newTable()
	tw.AppendHeader(table.Row{"#", "Time", "Run", "Commit", "Stage", "Status", "Failure", "Hash"})
	for _, r := range records {
		stage := r.Stage
		if stage == "" {
			stage = "(outcome)"
		}
		tw.AppendRow(table.Row{r.Index, r.Timestamp, r.RunID, short(r.Commit, 12), stage, r.Status, r.ErrorKind, short(r.Hash, 16)})
	}

	out := tw.Render()
	if f == Markdown {
		out = tw.RenderMarkdown()
	}
	_, err := fmt.Fprintln(w, out)
	return err
}

func short(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
