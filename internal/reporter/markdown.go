package reporter

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"

	"github.com/harrison/testfleet/internal/filelock"
	"github.com/harrison/testfleet/internal/generator"
	"github.com/harrison/testfleet/internal/models"
)

// Summary file names inside the output directory.
const (
	SummaryMarkdownFile = "summary.md"
	SummaryHTMLFile     = "summary.html"
)

// Markdown writes a human-readable run summary as Markdown and renders it to
// HTML when the run ends.
type Markdown struct {
	Base
	runID      string
	dir        string
	markdown   goldmark.Markdown
	cfg        models.RunConfig
	fileErrors []string
	timedOut   time.Duration
	err        error
}

// NewMarkdown creates a Markdown reporter writing to dir. An empty dir falls
// back to the run's OutputDir.
func NewMarkdown(runID, dir string) *Markdown {
	return &Markdown{
		runID:    runID,
		dir:      dir,
		markdown: goldmark.New(goldmark.WithExtensions(extension.GFM)),
	}
}

// Err returns the error of the last write, if any.
func (m *Markdown) Err() error {
	return m.err
}

func (m *Markdown) OnBegin(cfg models.RunConfig, suites []*generator.Suite) {
	m.cfg = cfg
	if m.dir == "" {
		m.dir = cfg.OutputDir
	}
}

func (m *Markdown) OnFileError(file string, err error) {
	m.fileErrors = append(m.fileErrors, fmt.Sprintf("%s: %v", file, err))
}

func (m *Markdown) OnTimeout(d time.Duration) {
	m.timedOut = d
}

func (m *Markdown) OnEnd(summary *models.Summary) {
	if m.dir == "" || summary == nil {
		return
	}
	source := m.Render(summary)

	var html bytes.Buffer
	if err := m.markdown.Convert(source, &html); err != nil {
		m.err = fmt.Errorf("render summary: %w", err)
		return
	}
	if err := filelock.LockAndWrite(filepath.Join(m.dir, SummaryMarkdownFile), source, 30*time.Second); err != nil {
		m.err = err
		return
	}
	m.err = filelock.LockAndWrite(filepath.Join(m.dir, SummaryHTMLFile), html.Bytes(), 30*time.Second)
}

// Render builds the Markdown document for summary.
func (m *Markdown) Render(summary *models.Summary) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Test run %s\n\n", summary.Status)
	if m.runID != "" {
		fmt.Fprintf(&sb, "Run `%s` finished in %s", m.runID, summary.Duration.Round(time.Millisecond))
	} else {
		fmt.Fprintf(&sb, "Finished in %s", summary.Duration.Round(time.Millisecond))
	}
	if m.cfg.Shard != nil {
		fmt.Fprintf(&sb, " (shard %s)", m.cfg.Shard)
	}
	sb.WriteString(".\n\n")

	sb.WriteString("| Outcome | Count |\n|---|---:|\n")
	fmt.Fprintf(&sb, "| expected | %d |\n", summary.Expected)
	fmt.Fprintf(&sb, "| unexpected | %d |\n", summary.Unexpected)
	fmt.Fprintf(&sb, "| flaky | %d |\n", summary.Flaky)
	fmt.Fprintf(&sb, "| skipped | %d |\n", summary.Skipped)
	fmt.Fprintf(&sb, "| **total** | **%d** |\n\n", summary.Total)

	if m.timedOut > 0 {
		fmt.Fprintf(&sb, "> Run stopped after the global timeout of %s.\n\n", m.timedOut)
	}

	if len(summary.Failed) > 0 {
		sb.WriteString("## Failures\n\n")
		for _, v := range summary.Failed {
			fmt.Fprintf(&sb, "### %s\n\n", markdownEscape(v.TitlePath))
			fmt.Fprintf(&sb, "- id: `%s`\n", v.ID)
			fmt.Fprintf(&sb, "- location: `%s`\n", v.Location)
			if conf := v.Configuration.String(); conf != "" {
				fmt.Fprintf(&sb, "- configuration: `%s`\n", conf)
			}
			if last := v.LastResult(); last != nil {
				fmt.Fprintf(&sb, "- status: %s after %d attempt(s)\n", last.Status, len(v.Results))
				if last.Error != nil {
					fmt.Fprintf(&sb, "\n```\n%s\n```\n", strings.TrimSpace(last.Error.Error()))
				}
			}
			sb.WriteString("\n")
		}
	}

	if len(m.fileErrors) > 0 {
		sb.WriteString("## File errors\n\n")
		for _, e := range m.fileErrors {
			fmt.Fprintf(&sb, "- %s\n", markdownEscape(e))
		}
		sb.WriteString("\n")
	}
	return []byte(sb.String())
}

func markdownEscape(s string) string {
	r := strings.NewReplacer("*", `\*`, "_", `\_`, "`", "\\`", "#", `\#`, "|", `\|`)
	return r.Replace(s)
}
