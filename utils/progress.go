package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))   // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))   // red
	pendingStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("12"))  // blue
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("250")) // light grey
)

var StyleSymbols = map[string]string{
	"pass":    "✓",
	"fail":    "✗",
	"pending": "◉",
	"arrow":   "→",
}

func PrintSuccess(message string) {
	fmt.Println(successStyle.Render(StyleSymbols["pass"] + " " + message))
}

func PrintError(message string) {
	fmt.Println(errorStyle.Render(StyleSymbols["fail"] + " " + message))
}

// ProgressTracker renders a single in-place progress line for one
// download.
type ProgressTracker struct {
	label      string
	startTime  time.Time
	lastUpdate time.Time
	lastBytes  int64
}

func NewProgressTracker(label string) *ProgressTracker {
	return &ProgressTracker{label: label, startTime: time.Now()}
}

// Update redraws the progress line. Safe to call at any cadence; draws
// are throttled to 10 per second.
func (p *ProgressTracker) Update(total, processed int64) {
	now := time.Now()
	if now.Sub(p.lastUpdate) < 100*time.Millisecond {
		return
	}
	elapsed := now.Sub(p.startTime).Seconds()
	var speed float64
	if elapsed > 0 {
		speed = float64(processed) / elapsed
	}
	p.lastUpdate = now
	p.lastBytes = processed

	line := pendingStyle.Render(StyleSymbols["pending"]) + " " + p.label + " "
	if total > 0 {
		line += renderBar(float64(processed)/float64(total), barWidth())
		line += detailStyle.Render(fmt.Sprintf(" %s / %s (%s/s)",
			FormatBytes(uint64(processed)), FormatBytes(uint64(total)), FormatBytes(uint64(speed))))
	} else {
		line += detailStyle.Render(fmt.Sprintf("%s (%s/s)",
			FormatBytes(uint64(processed)), FormatBytes(uint64(speed))))
	}
	fmt.Print("\r\033[K" + line)
}

// Done finishes the line with a status symbol.
func (p *ProgressTracker) Done(processed int64, err error) {
	fmt.Print("\r\033[K")
	if err != nil {
		PrintError(fmt.Sprintf("%s: %v", p.label, err))
		return
	}
	elapsed := time.Since(p.startTime).Round(time.Millisecond)
	PrintSuccess(fmt.Sprintf("%s %s %s in %s", p.label, StyleSymbols["arrow"],
		FormatBytes(uint64(processed)), elapsed))
}

func renderBar(fraction float64, width int) string {
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * float64(width))
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return pendingStyle.Render(bar)
}

func barWidth() int {
	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || width < 50 {
		return 20
	}
	return min(width/3, 40)
}
