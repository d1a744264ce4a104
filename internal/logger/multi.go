package logger

import "github.com/harrison/testfleet/internal/models"

// Logger is the leveled interface every logger here implements.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// ResultLogger renders finished test attempts.
type ResultLogger interface {
	LogTestResult(v *models.TestVariant, r *models.TestResult, done, total int)
}

// SummaryLogger renders the outcome of a run.
type SummaryLogger interface {
	LogSummary(summary *models.Summary)
}

// MultiLogger fans every call out to several loggers. Result and summary
// calls only reach loggers that support them.
type MultiLogger struct {
	loggers []Logger
}

// Multi combines loggers, skipping nil entries.
func Multi(loggers ...Logger) *MultiLogger {
	m := &MultiLogger{}
	for _, l := range loggers {
		if l != nil {
			m.loggers = append(m.loggers, l)
		}
	}
	return m
}

func (m *MultiLogger) Debugf(format string, args ...any) {
	for _, l := range m.loggers {
		l.Debugf(format, args...)
	}
}

func (m *MultiLogger) Infof(format string, args ...any) {
	for _, l := range m.loggers {
		l.Infof(format, args...)
	}
}

func (m *MultiLogger) Warnf(format string, args ...any) {
	for _, l := range m.loggers {
		l.Warnf(format, args...)
	}
}

func (m *MultiLogger) Errorf(format string, args ...any) {
	for _, l := range m.loggers {
		l.Errorf(format, args...)
	}
}

func (m *MultiLogger) LogTestResult(v *models.TestVariant, r *models.TestResult, done, total int) {
	for _, l := range m.loggers {
		if rl, ok := l.(ResultLogger); ok {
			rl.LogTestResult(v, r, done, total)
		}
	}
}

func (m *MultiLogger) LogSummary(summary *models.Summary) {
	for _, l := range m.loggers {
		if sl, ok := l.(SummaryLogger); ok {
			sl.LogSummary(summary)
		}
	}
}
