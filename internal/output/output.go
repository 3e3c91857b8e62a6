// Package output provides styled terminal output helpers (success,
// error, warning, sync status formatting) using lipgloss.
package output

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	dsync "github.com/driftlab/driftsync/internal/sync"
)

var (
	// Styles
	titleStyle   = lipgloss.NewStyle().Bold(true)
	subtleStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	kindStyles   = map[dsync.Kind]lipgloss.Style{
		dsync.KindInsert: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		dsync.KindUpdate: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		dsync.KindDelete: lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
)

// Success prints a success message
func Success(format string, args ...interface{}) {
	fmt.Println(successStyle.Render(fmt.Sprintf(format, args...)))
}

// Error prints an error message
func Error(format string, args ...interface{}) {
	fmt.Println(errorStyle.Render("ERROR: " + fmt.Sprintf(format, args...)))
}

// Warning prints a warning message
func Warning(format string, args ...interface{}) {
	fmt.Println(warningStyle.Render("Warning: " + fmt.Sprintf(format, args...)))
}

// Info prints an info message
func Info(format string, args ...interface{}) {
	fmt.Println(fmt.Sprintf(format, args...))
}

// Title prints a bold heading
func Title(s string) {
	fmt.Println(titleStyle.Render(s))
}

// Subtle prints de-emphasized text
func Subtle(format string, args ...interface{}) {
	fmt.Println(subtleStyle.Render(fmt.Sprintf(format, args...)))
}

// JSON outputs data as JSON
func JSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// Operation renders a one-line summary of a queued operation.
func Operation(op dsync.Operation) string {
	style, ok := kindStyles[op.Kind]
	if !ok {
		style = subtleStyle
	}
	line := fmt.Sprintf("%-7s %s/%s v%d", op.Kind, op.Table, op.RecordID(), op.Version)
	if op.Status == dsync.StatusError && op.Error != "" {
		line += "  " + errorStyle.Render(op.Error)
	}
	return style.Render(line)
}

// Conflict renders a pending conflict for manual review.
func Conflict(c dsync.Conflict) string {
	var b strings.Builder
	b.WriteString(warningStyle.Render(fmt.Sprintf("conflict %s/%s", c.Operation.Table, c.Operation.RecordID())))
	b.WriteString("\n  local:  " + compactRow(c.ClientData))
	b.WriteString("\n  server: " + compactRow(c.ServerData))
	return b.String()
}

// LastSync renders a last-sync timestamp, "never" when zero.
func LastSync(t time.Time) string {
	if t.IsZero() {
		return subtleStyle.Render("never")
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func compactRow(r dsync.Row) string {
	if r == nil {
		return subtleStyle.Render("(deleted)")
	}
	data, err := json.Marshal(dsync.StripMetadata(r))
	if err != nil {
		return fmt.Sprint(r)
	}
	return string(data)
}
