package ui

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/desertthunder/kbmigrate/internal/models"
	"github.com/mattn/go-isatty"
)

// interface Painter defines coloring text with [lipgloss] styles
type Painter interface {
	On(string, lipgloss.Color) string // Sets background color
	As(string, lipgloss.Color) string // Sets foreground color
}

// struct Palette is a simple stylesheet built with named [lipgloss.Style] fields
type Palette struct {
	title lipgloss.Style
	ok    lipgloss.Style
	err   lipgloss.Style
	warn  lipgloss.Style
	help  lipgloss.Style
	plain bool
}

func NewPalette(t, s, e, w, h string) *Palette {
	return &Palette{
		title: NewBold(t).MarginBottom(1),
		ok:    NewBold(s),
		err:   NewBold(e),
		warn:  NewStyle(w),
		help:  NewEm(h),
	}
}

// DefaultPalette is the palette used on terminals.
func DefaultPalette() *Palette {
	return NewPalette("#7D56F4", "#04B575", "#FF0000", "#FFA500", "#626262")
}

// PlainPalette renders text unchanged.
func PlainPalette() *Palette {
	s := lipgloss.NewStyle()
	return &Palette{title: s, ok: s, err: s, warn: s, help: s, plain: true}
}

// PaletteFor picks the default palette when w is a terminal and the plain one otherwise.
func PaletteFor(w io.Writer) *Palette {
	if IsTerminal(w) {
		return DefaultPalette()
	}
	return PlainPalette()
}

// IsTerminal reports whether w is a character device such as an interactive shell.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fd := f.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

func (p *Palette) Title(s string) string { return p.title.Render(s) }
func (p *Palette) OK(s string) string    { return p.ok.Render(s) }
func (p *Palette) Err(s string) string   { return p.err.Render(s) }
func (p *Palette) Warn(s string) string  { return p.warn.Render(s) }
func (p *Palette) Help(s string) string  { return p.help.Render(s) }

// Status colours a document status by outcome.
func (p *Palette) Status(s models.Status) string {
	switch {
	case s == models.StatusCompleted:
		return p.OK(string(s))
	case s == models.StatusFailed:
		return p.Err(string(s))
	case s == models.StatusSkipped || s.InFlight():
		return p.Warn(string(s))
	default:
		return string(s)
	}
}

// Run colours a run status.
func (p *Palette) Run(s models.RunStatus) string {
	switch s {
	case models.RunCompleted:
		return p.OK(string(s))
	case models.RunAborted:
		return p.Err(string(s))
	default:
		return p.Warn(string(s))
	}
}

// On sets the background color of s.
func (p *Palette) On(s string, c lipgloss.Color) string {
	if p.plain {
		return s
	}
	return lipgloss.NewStyle().Background(c).Render(s)
}

// As sets the foreground color of s.
func (p *Palette) As(s string, c lipgloss.Color) string {
	if p.plain {
		return s
	}
	return lipgloss.NewStyle().Foreground(c).Render(s)
}

func NewStyle(fg string) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(lipgloss.Color(fg))
}

func NewBold(fg string) lipgloss.Style {
	return NewStyle(fg).Bold(true)
}

func NewEm(fg string) lipgloss.Style {
	return NewStyle(fg).Italic(true)
}

var _ Painter = (*Palette)(nil)
