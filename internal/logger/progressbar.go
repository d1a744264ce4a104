package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// ProgressBar renders an ASCII progress bar such as
// "[=====     ] 5/10 (50%)".
type ProgressBar struct {
	current     int
	total       int
	width       int
	enableColor bool
	prefix      string
	mu          sync.RWMutex
}

// NewProgressBar creates a new progress bar. Widths below 1 fall back to 10.
func NewProgressBar(total, width int, enableColor bool) *ProgressBar {
	if width < 1 {
		width = 10
	}
	return &ProgressBar{total: total, width: width, enableColor: enableColor}
}

// Update sets the current progress value
func (pb *ProgressBar) Update(current int) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current = current
}

// Increment increments the current progress by 1
func (pb *ProgressBar) Increment() {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.current++
}

// Current returns the current progress value
func (pb *ProgressBar) Current() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.current
}

// Total returns the total progress value
func (pb *ProgressBar) Total() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.total
}

// SetPrefix sets a prefix printed before the bar.
func (pb *ProgressBar) SetPrefix(prefix string) {
	pb.mu.Lock()
	defer pb.mu.Unlock()
	pb.prefix = prefix
}

// Percentage returns the progress percentage clamped to 0-100.
func (pb *ProgressBar) Percentage() int {
	pb.mu.RLock()
	defer pb.mu.RUnlock()
	return pb.percentage()
}

func (pb *ProgressBar) percentage() int {
	if pb.total <= 0 {
		return 0
	}
	perc := (pb.current * 100) / pb.total
	return max(0, min(perc, 100))
}

// Render generates the progress bar string. With colors enabled an
// incomplete bar is cyan and a complete one green.
func (pb *ProgressBar) Render() string {
	pb.mu.RLock()
	defer pb.mu.RUnlock()

	perc := pb.percentage()
	filled := max(0, min((perc*pb.width)/100, pb.width))

	var bar strings.Builder
	bar.WriteString("[")
	bar.WriteString(strings.Repeat("=", filled))
	bar.WriteString(strings.Repeat(" ", pb.width-filled))
	bar.WriteString("]")

	result := fmt.Sprintf("%s%s %d/%d (%d%%)", pb.prefix, bar.String(), pb.current, pb.total, perc)
	if !pb.enableColor {
		return result
	}
	c := color.New(color.FgGreen)
	if perc < 100 {
		c = color.New(color.FgCyan)
	}
	// The caller decided on colors already.
	c.EnableColor()
	return c.Sprint(result)
}
