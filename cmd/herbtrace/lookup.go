package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"herbtrace/internal/core"
	"herbtrace/pkg/domain"
)

// Colors
var (
	green  = lipgloss.Color("#2E7D32")
	amber  = lipgloss.Color("#F9A825")
	red    = lipgloss.Color("#C62828")
	muted  = lipgloss.Color("#666666")
	violet = lipgloss.Color("#6A1B9A")
	blue   = lipgloss.Color("#1565C0")
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(green)
	labelStyle = lipgloss.NewStyle().Foreground(muted).Width(10)
	mutedStyle = lipgloss.NewStyle().Foreground(muted)
	warnStyle  = lipgloss.NewStyle().Foreground(amber)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(red)
	cardStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(green).Padding(0, 1)

	categoryStyles = map[domain.Category]lipgloss.Style{
		domain.CategoryHarvest:    lipgloss.NewStyle().Bold(true).Foreground(green),
		domain.CategoryLabTest:    lipgloss.NewStyle().Bold(true).Foreground(blue),
		domain.CategoryProcessing: lipgloss.NewStyle().Bold(true).Foreground(violet),
		domain.CategoryTransport:  lipgloss.NewStyle().Bold(true).Foreground(amber),
	}
)

// noticeError reports an expected failure with its user-facing message.
type noticeError struct {
	core.Notice
}

func (e noticeError) Error() string {
	return e.Title + ": " + e.Description
}

func renderNotice(n core.Notice) string {
	return errorStyle.Render(n.Title) + " " + n.Description
}

func newLookupCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "lookup <batch-id>",
		Short: "Show the provenance timeline of a batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if output != "text" && output != "json" {
				return fmt.Errorf("unknown output format %q", output)
			}
			return a.withStack(cmd.Context(), func(svc *core.Service) error {
				ctrl := core.NewLookupController(svc, core.WithLookupLogger(a.logger))
				snap, err := ctrl.Search(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return writeSnapshot(cmd.OutOrStdout(), snap, output)
			})
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "text", "output format: text or json")
	return cmd
}

// writeSnapshot prints a found batch or returns its notice as an error.
func writeSnapshot(w io.Writer, snap core.LookupSnapshot, output string) error {
	if snap.State != core.LookupFound {
		if snap.State == core.LookupError {
			return fmt.Errorf("%s: %w", snap.Notice().Description, snap.Err)
		}
		return noticeError{snap.Notice()}
	}
	if output == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			Batch    domain.BatchRecord     `json:"batch"`
			Timeline []domain.TimelineEntry `json:"timeline"`
		}{snap.Record, snap.Timeline})
	}
	_, err := fmt.Fprintln(w, renderRecord(snap.Record, snap.Timeline))
	return err
}

// renderRecord formats a batch summary card followed by its timeline.
func renderRecord(rec domain.BatchRecord, timeline []domain.TimelineEntry) string {
	h := rec.Harvest
	summary := strings.Join([]string{
		titleStyle.Render(string(rec.ID)),
		labelStyle.Render("Plant") + h.PlantType,
		labelStyle.Render("Farmer") + h.Farmer,
		labelStyle.Render("Quantity") + fmt.Sprintf("%g kg", h.QuantityKg),
		labelStyle.Render("Origin") + h.Location,
		labelStyle.Render("Harvest") + h.Timestamp.Format("2006-01-02"),
	}, "\n")

	var b strings.Builder
	b.WriteString(cardStyle.Render(summary))
	b.WriteString("\n\n")
	b.WriteString(titleStyle.Render(fmt.Sprintf("Timeline (%d events)", len(timeline))))
	for _, e := range timeline {
		style, ok := categoryStyles[e.Category]
		if !ok {
			style = mutedStyle
		}
		b.WriteString("\n")
		b.WriteString(style.Render("● "+e.Title) + "  " + mutedStyle.Render(e.Timestamp.Format("2006-01-02 15:04")))
		b.WriteString("\n  " + e.Description)
		if e.Location != "" {
			b.WriteString("\n  " + mutedStyle.Render(e.Location))
		}
	}
	return b.String()
}
