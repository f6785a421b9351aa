// Package report renders probe results for the CLI.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/postalsys/echoprobe/internal/icmp"
)

// Record is the structured form of one probe outcome.
type Record struct {
	Target    string  `json:"target"`
	Seq       uint16  `json:"seq"`
	State     string  `json:"state"`
	RTTMillis float64 `json:"rtt_millis,omitempty"`
	ErrorKind string  `json:"error_kind,omitempty"`
}

// Reporter writes probe results as human-readable lines or JSON records.
type Reporter struct {
	w     io.Writer
	json  bool
	color bool

	sent      int
	completed int

	okStyle   lipgloss.Style
	failStyle lipgloss.Style
	dimStyle  lipgloss.Style
}

// New creates a reporter. color enables lipgloss styling and should be
// true only when w is a terminal.
func New(w io.Writer, asJSON, color bool) *Reporter {
	return &Reporter{
		w:         w,
		json:      asJSON,
		color:     color,
		okStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		failStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		dimStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
	}
}

// Report renders one terminal session result.
func (r *Reporter) Report(res icmp.Result) {
	r.sent++
	if res.State == icmp.StateCompleted {
		r.completed++
	}

	if r.json {
		r.reportJSON(res)
		return
	}
	r.reportText(res)
}

func (r *Reporter) reportJSON(res icmp.Result) {
	rec := Record{
		Target:    res.Target.String(),
		Seq:       res.Seq,
		State:     res.State.String(),
		ErrorKind: string(res.ErrorKind),
	}
	if res.State == icmp.StateCompleted {
		rec.RTTMillis = float64(res.RTT) / float64(time.Millisecond)
	}

	// Record holds only scalar fields, so Encode can fail only when the
	// underlying writer does. A broken stdout loses the line either way,
	// same as the text path.
	_ = json.NewEncoder(r.w).Encode(rec)
}

func (r *Reporter) reportText(res icmp.Result) {
	switch res.State {
	case icmp.StateCompleted:
		line := fmt.Sprintf("Reply from %s: icmp_seq=%d time=%.2f ms",
			res.Target, res.Seq, float64(res.RTT)/float64(time.Millisecond))
		fmt.Fprintln(r.w, r.style(line, r.okStyle))
	case icmp.StateTimedOut:
		line := fmt.Sprintf("Request timed out: %s icmp_seq=%d", res.Target, res.Seq)
		fmt.Fprintln(r.w, r.style(line, r.dimStyle))
	default:
		line := fmt.Sprintf("Probe failed: %s icmp_seq=%d (%s)", res.Target, res.Seq, res.Diagnostic)
		fmt.Fprintln(r.w, r.style(line, r.failStyle))
	}
}

// Summary prints the sent/received tally after a run.
func (r *Reporter) Summary(target string) {
	if r.json {
		return
	}
	line := fmt.Sprintf("--- %s: %s sent, %s received ---",
		target,
		humanize.Comma(int64(r.sent)),
		humanize.Comma(int64(r.completed)))
	fmt.Fprintln(r.w, r.style(line, r.dimStyle))
}

// Completed reports how many probes received a matching reply.
func (r *Reporter) Completed() int {
	return r.completed
}

func (r *Reporter) style(s string, st lipgloss.Style) string {
	if !r.color {
		return s
	}
	return st.Render(s)
}
