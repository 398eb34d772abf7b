package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"trade-guardrails/internal/models"
)

// ANSI escape sequences used when writing to a terminal.
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

// Output writes command results as colored text or as JSON.
type Output struct {
	writer   io.Writer
	jsonMode bool
	color    bool
}

// NewOutput creates an Output for cmd. Color is used only when writing
// text straight to a terminal.
func NewOutput(cmd *cobra.Command) *Output {
	jsonMode, _ := cmd.Flags().GetBool("json")
	w := cmd.OutOrStdout()
	return &Output{
		writer:   w,
		jsonMode: jsonMode,
		color:    !jsonMode && w == os.Stdout && stdoutIsTerminal(),
	}
}

func stdoutIsTerminal() bool {
	info, err := os.Stdout.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}

// IsJSON reports whether --json was given.
func (o *Output) IsJSON() bool {
	return o.jsonMode
}

// JSON writes v as indented JSON.
func (o *Output) JSON(v interface{}) error {
	enc := json.NewEncoder(o.writer)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (o *Output) Print(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Output) Println(args ...interface{}) {
	fmt.Fprintln(o.writer, args...)
}

func (o *Output) Printf(format string, args ...interface{}) {
	fmt.Fprintf(o.writer, format, args...)
}

// Line printers. Each writes one colored line.
func (o *Output) Success(format string, args ...interface{}) { o.line(ColorGreen, format, args...) }
func (o *Output) Error(format string, args ...interface{})   { o.line(ColorRed, format, args...) }
func (o *Output) Warning(format string, args ...interface{}) { o.line(ColorYellow, format, args...) }
func (o *Output) Info(format string, args ...interface{})    { o.line(ColorCyan, format, args...) }
func (o *Output) Bold(format string, args ...interface{})    { o.line(ColorBold, format, args...) }
func (o *Output) Dim(format string, args ...interface{})     { o.line(ColorDim, format, args...) }

func (o *Output) line(color, format string, args ...interface{}) {
	fmt.Fprintln(o.writer, o.paint(color, fmt.Sprintf(format, args...)))
}

// Inline helpers for composing a line from colored fragments.
func (o *Output) Green(s string) string    { return o.paint(ColorGreen, s) }
func (o *Output) Red(s string) string      { return o.paint(ColorRed, s) }
func (o *Output) Yellow(s string) string   { return o.paint(ColorYellow, s) }
func (o *Output) Cyan(s string) string     { return o.paint(ColorCyan, s) }
func (o *Output) BoldText(s string) string { return o.paint(ColorBold, s) }
func (o *Output) DimText(s string) string  { return o.paint(ColorDim, s) }

func (o *Output) paint(color, s string) string {
	if !o.color {
		return s
	}
	return color + s + ColorReset
}

// OutcomeColor colors a decision outcome by how far it is from a plain approval.
func (o *Output) OutcomeColor(outcome string) string {
	switch outcome {
	case models.OutcomeApproved:
		return o.Green(outcome)
	case models.OutcomeAdjusted, models.OutcomeEscalated:
		return o.Yellow(outcome)
	case models.OutcomeRejected, models.OutcomeHalted:
		return o.Red(outcome)
	}
	return outcome
}

// FormatPnL formats a signed P&L, green for gains and red for losses.
func (o *Output) FormatPnL(pnl decimal.Decimal) string {
	text := FormatPnL(pnl)
	switch pnl.Sign() {
	case 1:
		return o.Green(text)
	case -1:
		return o.Red(text)
	}
	return text
}

// Table buffers rows and prints them with aligned columns.
type Table struct {
	out     *Output
	headers []string
	rows    [][]string
}

func NewTable(out *Output, headers ...string) *Table {
	return &Table{out: out, headers: headers}
}

func (t *Table) AddRow(cells ...string) {
	t.rows = append(t.rows, cells)
}

// Render prints the header, a rule and every row. Cells beyond the header
// count are dropped.
func (t *Table) Render() {
	if len(t.headers) == 0 {
		return
	}
	widths := t.columnWidths()

	t.out.Println(t.out.BoldText(t.format(t.headers, widths)))
	rule := make([]string, len(widths))
	for i, w := range widths {
		rule[i] = strings.Repeat("-", w)
	}
	t.out.Println(t.out.DimText(strings.Join(rule, "--")))
	for _, row := range t.rows {
		t.out.Println(t.format(row, widths))
	}
}

func (t *Table) columnWidths() []int {
	widths := make([]int, len(t.headers))
	for _, row := range append([][]string{t.headers}, t.rows...) {
		for i := 0; i < len(row) && i < len(widths); i++ {
			if n := visibleLen(row[i]); n > widths[i] {
				widths[i] = n
			}
		}
	}
	return widths
}

func (t *Table) format(cells []string, widths []int) string {
	var b strings.Builder
	for i := 0; i < len(cells) && i < len(widths); i++ {
		if i > 0 {
			b.WriteString("  ")
		}
		b.WriteString(cells[i])
		b.WriteString(strings.Repeat(" ", widths[i]-visibleLen(cells[i])))
	}
	return b.String()
}

// visibleLen is the printed width of s with color codes removed.
func visibleLen(s string) int {
	return len(ansiPattern.ReplaceAllString(s, ""))
}
