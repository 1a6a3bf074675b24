// Package progress renders model loading progress as a single-line
// terminal bar fed by api.Progress events.
package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/term"

	"github.com/strideapp/localinfer/api"
	"github.com/strideapp/localinfer/format"
)

const defaultTermWidth = 80

// Bar repaints one line in place as progress events arrive. Safe for
// concurrent Update calls; downloads report from multiple goroutines.
type Bar struct {
	mu      sync.Mutex
	w       io.Writer
	fd      int
	painted time.Time
	last    api.ProgressPhase
	done    bool
}

// NewBar writes to w, using fd for terminal width detection.
func NewBar(w io.Writer, fd int) *Bar {
	return &Bar{w: w, fd: fd}
}

// NewStderrBar is the usual CLI configuration.
func NewStderrBar() *Bar {
	return NewBar(os.Stderr, int(os.Stderr.Fd()))
}

// Update repaints the bar. Paints within one phase are throttled to
// minimize flickering; phase changes and completion always paint.
func (b *Bar) Update(p api.Progress) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.done {
		return
	}

	now := time.Now()
	if p.Phase == b.last && p.Phase != api.PhaseComplete && now.Sub(b.painted) < 50*time.Millisecond {
		return
	}
	b.last = p.Phase
	b.painted = now

	width, _, err := term.GetSize(b.fd)
	if err != nil {
		width = defaultTermWidth
	}
	fmt.Fprintf(b.w, "\r%s", render(p, width))

	if p.Phase == api.PhaseComplete {
		fmt.Fprintln(b.w)
		b.done = true
	}
}

// Stop terminates the line when the load aborted before completing.
func (b *Bar) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.done {
		fmt.Fprintln(b.w)
		b.done = true
	}
}

// render lays out one repaint: phase and file on the left, byte counts
// and percentage on the right, bar filling the rest.
func render(p api.Progress, width int) string {
	label := string(p.Phase)
	if p.File != "" {
		label += " " + p.File
	}

	var percent float64
	if p.Total > 0 {
		percent = math.Floor(float64(p.Loaded) / float64(p.Total) * 100)
	}
	counts := fmt.Sprintf(" %s/%s %3.0f%%",
		format.HumanBytes(p.Loaded), format.HumanBytes(p.Total), percent)

	barWidth := width - len(label) - len(counts) - 4
	if barWidth < 10 {
		// narrow terminal, drop the bar
		return fmt.Sprintf("%-*s%s", max(width-len(counts), 0), label, counts)
	}

	filled := int(float64(barWidth) * percent / 100)
	var sb strings.Builder
	sb.WriteString(label)
	sb.WriteString(" ▕")
	sb.WriteString(strings.Repeat("█", filled))
	sb.WriteString(strings.Repeat(" ", barWidth-filled))
	sb.WriteString("▏")
	sb.WriteString(counts)
	return sb.String()
}
