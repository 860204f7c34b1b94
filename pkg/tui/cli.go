// Package tui renders run progress and conformance summaries for the terminal.
package tui

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/schollz/progressbar/v3"

	"github.com/logflow/skelstream/pkg/conformance"
	"github.com/logflow/skelstream/pkg/skeleton"
)

// Colors (Swiss minimal)
var (
	accent  = lipgloss.Color("#FF0000")
	muted   = lipgloss.Color("#666666")
	success = lipgloss.Color("#00CC66")
	white   = lipgloss.Color("#FFFFFF")
)

// Styles
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(white)
	accentStyle  = lipgloss.NewStyle().Foreground(accent).Bold(true)
	mutedStyle   = lipgloss.NewStyle().Foreground(muted)
	successStyle = lipgloss.NewStyle().Foreground(success).Bold(true)
	codeStyle    = lipgloss.NewStyle().Background(lipgloss.Color("#1a1a1a")).Foreground(white).Padding(0, 1)
)

const rule = "  ─────────────────────────────────────"

// DefaultTopCases is how many cases PrintSummary lists.
const DefaultTopCases = 5

// Summary is what PrintSummary renders after a run.
type Summary struct {
	Source   string
	Stats    conformance.Stats
	Result   conformance.Result
	Elapsed  time.Duration
	Canceled bool

	// TopCases limits the per-case listing. Zero means DefaultTopCases.
	TopCases int
}

// CaseCount is one row of the top-cases listing.
type CaseCount struct {
	CaseID     string
	Deviations int
}

// TopCases returns the n cases with the most deviations. Ties are broken by
// case id.
func TopCases(res conformance.Result, n int) []CaseCount {
	counts := make(map[string]int)
	for _, d := range res.Deviations {
		counts[d.CaseID]++
	}
	out := make([]CaseCount, 0, len(counts))
	for id, c := range counts {
		out = append(out, CaseCount{CaseID: id, Deviations: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deviations != out[j].Deviations {
			return out[i].Deviations > out[j].Deviations
		}
		return out[i].CaseID < out[j].CaseID
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// PrintHeader prints the tool banner.
func PrintHeader(w io.Writer, version string) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, titleStyle.Render("  SKELSTREAM")+mutedStyle.Render(" "+version))
	fmt.Fprintln(w, mutedStyle.Render("  Streaming log-skeleton conformance checking"))
	fmt.Fprintln(w)
}

// PrintModel describes a loaded model.
func PrintModel(w io.Writer, path string, m *skeleton.Model) {
	fmt.Fprintln(w, accentStyle.Render("▸ MODEL"))
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Path:"), codeStyle.Render(path))
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Activities:"), titleStyle.Render(fmt.Sprint(len(m.Activities()))))
	for _, k := range skeleton.Kinds() {
		fmt.Fprintf(w, "  %s %d\n", mutedStyle.Render(padKind(k)), m.Size(k))
	}
	if ceiling, ok := m.MaxFrequency(); ok {
		fmt.Fprintf(w, "  %s %d\n", mutedStyle.Render("max frequency:"), ceiling)
	}
	fmt.Fprintln(w)
}

// PrintSummary prints results after a run.
func PrintSummary(w io.Writer, s Summary) {
	fmt.Fprintln(w)
	switch {
	case s.Canceled:
		fmt.Fprintln(w, accentStyle.Render("  ■ RUN INTERRUPTED"))
	case s.Stats.Deviations == 0:
		fmt.Fprintln(w, successStyle.Render("  ✓ CONFORMANT"))
	default:
		fmt.Fprintln(w, accentStyle.Render(fmt.Sprintf("  ✗ %s DEVIATIONS", formatNumber(int64(s.Stats.Deviations)))))
	}
	fmt.Fprintln(w)

	if s.Source != "" {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Source:"), codeStyle.Render(s.Source))
	}
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Events:"), titleStyle.Render(formatNumber(int64(s.Stats.Events))))
	if s.Stats.Malformed > 0 {
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Malformed:"), accentStyle.Render(formatNumber(int64(s.Stats.Malformed))))
	}
	fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render("Cases:"), titleStyle.Render(formatNumber(int64(s.Stats.Cases))))
	if s.Elapsed > 0 {
		throughput := float64(s.Stats.Events) / s.Elapsed.Seconds()
		fmt.Fprintf(w, "  %s %s %s\n",
			mutedStyle.Render("Time:"),
			titleStyle.Render(formatDuration(s.Elapsed)),
			mutedStyle.Render(fmt.Sprintf("(%s events/sec)", formatNumber(int64(throughput)))))
	}

	if s.Stats.Deviations == 0 {
		fmt.Fprintln(w)
		return
	}

	fmt.Fprintln(w, mutedStyle.Render(rule))
	for _, k := range skeleton.Kinds() {
		n := s.Stats.ByKind[k]
		style := mutedStyle
		if n > 0 {
			style = accentStyle
		}
		fmt.Fprintf(w, "  %s %s\n", mutedStyle.Render(padKind(k)), style.Render(formatNumber(int64(n))))
	}

	top := s.TopCases
	if top == 0 {
		top = DefaultTopCases
	}
	if cases := TopCases(s.Result, top); len(cases) > 0 {
		fmt.Fprintln(w, mutedStyle.Render(rule))
		fmt.Fprintln(w, titleStyle.Render("  Top cases"))
		for _, c := range cases {
			fmt.Fprintf(w, "  %s %s\n", codeStyle.Render(c.CaseID), mutedStyle.Render(fmt.Sprintf("%d deviations", c.Deviations)))
		}
	}
	fmt.Fprintln(w)
}

// PrintDeviation prints one deviation as it is found.
func PrintDeviation(w io.Writer, d conformance.Deviation) {
	fmt.Fprintf(w, "%s %s %s\n",
		accentStyle.Render("✗"),
		mutedStyle.Render(fmt.Sprintf("#%d %s", d.Sequence, d.Kind)),
		d.String())
}

// PrintProgress prints a progress update during a run.
func PrintProgress(w io.Writer, events uint64, deviations int, eventsPerSec float64, elapsed time.Duration) {
	fmt.Fprintf(w, "\r  %s %s events %s %s",
		accentStyle.Render("⟳"),
		titleStyle.Render(formatNumber(int64(events))),
		accentStyle.Render(fmt.Sprintf("%s deviations", formatNumber(int64(deviations)))),
		mutedStyle.Render(fmt.Sprintf("(%s/sec, %s)", formatNumber(int64(eventsPerSec)), formatDuration(elapsed))))
}

// ClearLine clears the current line.
func ClearLine(w io.Writer) {
	fmt.Fprint(w, "\r\033[K")
}

// NewSpinner creates an indeterminate progress indicator for streams whose
// length is unknown. Advance it with Add.
func NewSpinner(w io.Writer, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(-1,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("events"),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

// NewByteBar creates a progress bar over a file of known size.
func NewByteBar(w io.Writer, total int64, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions64(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "",
			BarEnd:        "",
		}),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionClearOnFinish(),
	)
}

func padKind(k skeleton.Kind) string {
	name := strings.ReplaceAll(k.String(), "_", " ") + ":"
	return fmt.Sprintf("%-19s", name)
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

func formatNumber(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%.1fK", float64(n)/1000)
	}
	return fmt.Sprintf("%.1fM", float64(n)/1000000)
}
