// Package printer renders toasts and CLI messages on a terminal.
package printer

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/fatih/color"

	"board-sync/notify"
)

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
	blue   = color.New(color.FgBlue)
	faint  = color.New(color.Faint)
)

var icons = map[notify.Category]string{
	notify.CategorySuccess:   "✓",
	notify.CategoryInfo:      "ℹ",
	notify.CategoryWarning:   "⚠",
	notify.CategoryError:     "✗",
	notify.CategoryTask:      "•",
	notify.CategoryLoading:   "…",
	notify.CategoryMilestone: "★",
	notify.CategoryUpload:    "↑",
	notify.CategoryMention:   "@",
	notify.CategoryComment:   "✎",
}

func colorFor(c notify.Category) *color.Color {
	switch c {
	case notify.CategorySuccess, notify.CategoryMilestone:
		return green
	case notify.CategoryWarning:
		return yellow
	case notify.CategoryError:
		return red
	case notify.CategoryTask, notify.CategoryMention, notify.CategoryComment:
		return cyan
	case notify.CategoryLoading, notify.CategoryUpload:
		return blue
	default:
		return faint
	}
}

// Printer writes toasts line by line.
type Printer struct {
	out io.Writer
}

func New(out io.Writer) *Printer {
	if out == nil {
		out = os.Stdout
	}
	return &Printer{out: out}
}

// Toast prints one toast as "icon title: message".
func (p *Printer) Toast(t notify.Toast) {
	icon := icons[t.Category]
	if t.Icon != "" {
		icon = t.Icon
	}
	if icon == "" {
		icon = "-"
	}
	title := t.Title
	if title == "" {
		title = notify.TitleFor(t.Category)
	}
	line := fmt.Sprintf("%s %s: %s", icon, title, t.Message)
	if t.ShowProgress {
		line += fmt.Sprintf(" [%3.0f%%]", t.Progress*100)
	}
	if t.Action != nil && t.Action.Label != "" {
		line += fmt.Sprintf(" (%s)", t.Action.Label)
	}
	colorFor(t.Category).Fprintln(p.out, line)
}

// Follow prints added and updated toasts from changes until ctx is done or
// changes is closed.
func (p *Printer) Follow(ctx context.Context, changes <-chan notify.Change) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-changes:
			if !ok {
				return
			}
			if c.Kind == notify.ChangeAdded || c.Kind == notify.ChangeUpdated {
				p.Toast(c.Toast)
			}
		}
	}
}

// Step prints a progress step of a CLI command.
func (p *Printer) Step(format string, a ...any) {
	cyan.Fprintf(p.out, "→ %s\n", fmt.Sprintf(format, a...))
}

// Error prints a titled error with an explanation and suggestions to stderr
// and returns a short error for cobra.
func Error(title string, explanation string, suggestions []string) error {
	red.Fprintf(os.Stderr, "%s\n\n", title)
	if explanation != "" {
		fmt.Fprintf(os.Stderr, "%s\n", explanation)
	}
	if len(suggestions) > 0 {
		fmt.Fprintf(os.Stderr, "\n")
		if len(suggestions) == 1 {
			fmt.Fprintf(os.Stderr, "%s\n", suggestions[0])
		} else {
			fmt.Fprintf(os.Stderr, "Either:\n")
			for i, s := range suggestions {
				fmt.Fprintf(os.Stderr, "  %d. %s\n", i+1, s)
			}
		}
	}
	return fmt.Errorf("%s", title)
}
