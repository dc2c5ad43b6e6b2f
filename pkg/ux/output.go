// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ux

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

// Aleutian color palette - deep ocean teals and arctic waters
var (
	ColorTealBright  = lipgloss.Color("#2CD7C7") // highlights, success
	ColorTealPrimary = lipgloss.Color("#20B9B4") // main brand color
	ColorTealDeep    = lipgloss.Color("#16858E") // borders, accents
	ColorSlate       = lipgloss.Color("#2C4A54") // muted text, borders

	ColorSuccess = lipgloss.Color("#2CD7C7")
	ColorWarning = lipgloss.Color("#F4D03F")
	ColorError   = lipgloss.Color("#E74C3C")
)

// Styles provides pre-configured lipgloss styles.
var Styles = struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	Bold      lipgloss.Style
	Muted     lipgloss.Style
	Success   lipgloss.Style
	Warning   lipgloss.Style
	Error     lipgloss.Style
	Highlight lipgloss.Style

	Box        lipgloss.Style
	WarningBox lipgloss.Style
	ErrorBox   lipgloss.Style
}{
	Title:     lipgloss.NewStyle().Bold(true).Foreground(ColorTealBright),
	Subtitle:  lipgloss.NewStyle().Foreground(ColorTealPrimary),
	Bold:      lipgloss.NewStyle().Bold(true),
	Muted:     lipgloss.NewStyle().Foreground(ColorSlate),
	Success:   lipgloss.NewStyle().Foreground(ColorSuccess),
	Warning:   lipgloss.NewStyle().Foreground(ColorWarning),
	Error:     lipgloss.NewStyle().Foreground(ColorError),
	Highlight: lipgloss.NewStyle().Foreground(ColorTealBright).Bold(true),

	Box: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorTealDeep).
		Padding(0, 1),
	WarningBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorWarning).
		Padding(0, 1),
	ErrorBox: lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(ColorError).
		Padding(0, 1),
}

// Icon provides themed status icons.
type Icon string

const (
	IconSuccess Icon = "✓"
	IconWarning Icon = "⚠"
	IconError   Icon = "✗"
	IconBullet  Icon = "•"
	IconScale   Icon = "⚖"
)

// Render returns the icon, styled when colors are enabled.
func (i Icon) Render() string {
	switch i {
	case IconSuccess:
		return style(Styles.Success, string(i))
	case IconWarning:
		return style(Styles.Warning, string(i))
	case IconError:
		return style(Styles.Error, string(i))
	default:
		return string(i)
	}
}

// style renders text with s only when colors are enabled.
func style(s lipgloss.Style, text string) string {
	if !ShouldShowColors() {
		return text
	}
	return s.Render(text)
}

// Print helpers that respect personality level

// Title prints a styled title. Silent in machine mode.
func Title(w io.Writer, text string) {
	if GetPersonality().Level == PersonalityMachine {
		return
	}
	fmt.Fprintln(w, style(Styles.Title, text))
}

// Success prints a success message with a checkmark.
func Success(w io.Writer, text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(w, "OK: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconSuccess.Render(), style(Styles.Success, text))
}

// Warning prints a warning message.
func Warning(w io.Writer, text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(w, "WARN: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconWarning.Render(), style(Styles.Warning, text))
}

// Error prints an error message.
func Error(w io.Writer, text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintf(w, "ERROR: %s\n", text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", IconError.Render(), style(Styles.Error, text))
}

// Info prints an informational line.
func Info(w io.Writer, text string) {
	if GetPersonality().Level == PersonalityMachine {
		fmt.Fprintln(w, text)
		return
	}
	fmt.Fprintf(w, "%s %s\n", style(Styles.Muted, "│"), text)
}

// Box prints content in a rounded box under a title. Only the full level
// draws the border.
func Box(w io.Writer, box lipgloss.Style, title, content string) {
	switch GetPersonality().Level {
	case PersonalityMachine:
		fmt.Fprintf(w, "%s: %s\n", title, content)
	case PersonalityMinimal:
		fmt.Fprintf(w, "%s\n%s\n", title, content)
	default:
		fmt.Fprintln(w, box.Width(72).Render(Styles.Title.Render(title)+"\n"+content))
	}
}
