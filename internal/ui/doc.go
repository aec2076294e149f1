// Package ui renders migration output for a terminal.
//
// A [Palette] colours run and document statuses with lipgloss and degrades to plain text when
// the output is not a terminal. A [Reporter] consumes the engine's progress channels and prints
// enumeration, failures, heartbeats and the final result line by line.
package ui
