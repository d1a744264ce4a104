package logger

import (
	"strings"

	"github.com/fatih/color"

	"github.com/harrison/testfleet/internal/models"
)

// colorScheme defines consistent colors for log output.
// Green: passed tests
// Red: failures and errors
// Yellow: warnings, flaky and timed out tests
// Cyan: debug output and labels
type colorScheme struct {
	success *color.Color
	fail    *color.Color
	warn    *color.Color
	label   *color.Color
	muted   *color.Color
	header  *color.Color
}

func newColorScheme() *colorScheme {
	return &colorScheme{
		success: color.New(color.FgGreen),
		fail:    color.New(color.FgRed),
		warn:    color.New(color.FgYellow),
		label:   color.New(color.FgCyan),
		muted:   color.New(color.FgHiBlack),
		header:  color.New(color.Bold),
	}
}

// level colors a level tag.
func (s *colorScheme) level(level string) string {
	switch strings.ToUpper(level) {
	case "TRACE":
		return s.muted.Sprint(level)
	case "DEBUG":
		return s.label.Sprint(level)
	case "INFO":
		return color.New(color.FgBlue).Sprint(level)
	case "WARN":
		return s.warn.Sprint(level)
	case "ERROR":
		return s.fail.Sprint(level)
	default:
		return level
	}
}

// status colors an attempt status. Unexpected results are always red.
func (s *colorScheme) status(status models.TestStatus, unexpected bool) string {
	text := string(status)
	switch {
	case unexpected:
		return s.fail.Sprint(text)
	case status == models.StatusSkipped:
		return s.muted.Sprint(text)
	case status == models.StatusTimedOut:
		return s.warn.Sprint(text)
	default:
		return s.success.Sprint(text)
	}
}

// runStatus picks the color of a run verdict.
func (s *colorScheme) runStatus(status models.RunStatus) *color.Color {
	switch status {
	case models.RunPassed:
		return s.success
	case models.RunNoTests:
		return s.warn
	default:
		return s.fail
	}
}
