// Package progress renders per-download progress to a terminal, grounded on
// the progressbar/v3 and golang.org/x/term dependencies carried in the
// teacher's go.mod.
package progress

import (
	"fmt"
	"io"
	"os"

	"github.com/schollz/progressbar/v3"
	"golang.org/x/term"
)

// Bar wraps a progressbar/v3 bar sized in pieces, not bytes, since the
// coordinator reports completion at piece granularity.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New builds a Bar for a download of totalPieces pieces, writing to w.
// If w is a terminal, the bar redraws in place; otherwise the same bar is
// written to w with time prediction turned off.
func New(w io.Writer, name string, totalPieces int) *Bar {
	opts := []progressbar.Option{
		progressbar.OptionSetDescription(name),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	}
	if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		opts = append(opts, progressbar.OptionSetWriter(f))
	} else {
		opts = append(opts, progressbar.OptionSetWriter(w), progressbar.OptionSetPredictTime(false))
	}

	return &Bar{bar: progressbar.NewOptions(totalPieces, opts...)}
}

// PieceDone advances the bar by one completed piece.
func (b *Bar) PieceDone() {
	_ = b.bar.Add(1)
}

// Finish marks the bar complete and releases its line.
func (b *Bar) Finish() {
	_ = b.bar.Finish()
}

// TerminalWidth reports the current terminal width, or a sane fallback when
// stdout is not a terminal (piped output, CI logs).
func TerminalWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width <= 0 {
		return 80
	}
	return width
}

// Summary formats a one-line "done/total pieces (pct%)" status for
// non-interactive output, matching the plain log.Printf progress lines of
// runs where Bar can't redraw in place.
func Summary(done, total int) string {
	pct := 0.0
	if total > 0 {
		pct = float64(done) / float64(total) * 100
	}
	return fmt.Sprintf("%d/%d pieces (%.1f%%)", done, total, pct)
}
