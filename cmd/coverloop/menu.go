package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"coverloop/internal/controller"
	"coverloop/internal/types"
)

var (
	Destructive = lipgloss.Color("#e53935")
	Warning     = lipgloss.Color("#FFC107")
	Info        = lipgloss.Color("#2196F3")
	Accent      = lipgloss.Color("#8BC34A")
	Muted       = lipgloss.Color("#8a94a6")

	menuTitleStyle = lipgloss.NewStyle().Foreground(Accent).Bold(true)
	menuMutedStyle = lipgloss.NewStyle().Foreground(Muted)
	menuIndexStyle = lipgloss.NewStyle().Bold(true)

	priorityStyles = map[types.Priority]lipgloss.Style{
		types.PriorityHigh:   lipgloss.NewStyle().Foreground(Destructive).Bold(true),
		types.PriorityMedium: lipgloss.NewStyle().Foreground(Warning),
		types.PriorityLow:    lipgloss.NewStyle().Foreground(Info),
	}
)

// renderMenu formats the coverage line and the numbered recommendations.
// Numbers are the 1-based indices the controller accepts as input.
func renderMenu(recs []types.Recommendation, cov types.CoverageSnapshot) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString(menuTitleStyle.Render(fmt.Sprintf("Coverage %.2f%%", cov.Percentage)))
	sb.WriteString(menuMutedStyle.Render(fmt.Sprintf("  %d/%d aspects, %d passed, %d failed",
		len(cov.TestedAspectIDs), cov.TotalAspects, cov.Stats.Passed, cov.Stats.Failed)))
	sb.WriteString("\n\n")

	if len(recs) == 0 {
		sb.WriteString(menuMutedStyle.Render("  No recommendations."))
		sb.WriteString("\n")
	}
	for i, rec := range recs {
		style, ok := priorityStyles[rec.Priority]
		if !ok {
			style = lipgloss.NewStyle()
		}
		sb.WriteString(fmt.Sprintf("  %s %s %s\n",
			menuIndexStyle.Render(fmt.Sprintf("%d.", i+1)),
			style.Render(fmt.Sprintf("[%s]", rec.Priority)),
			rec.Title))
		if rec.Reason != "" {
			sb.WriteString("     " + menuMutedStyle.Render(rec.Reason) + "\n")
		}
		if rec.RequiresAI {
			sb.WriteString("     " + menuMutedStyle.Render("(requires AI)") + "\n")
		}
	}

	sb.WriteString("\n")
	sb.WriteString(menuMutedStyle.Render("  Enter a number to select, empty to continue, 0 to exit."))
	sb.WriteString("\n")
	return sb.String()
}

// linePrompter shows the menu on out and reads one line from in.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

var _ controller.Prompter = (*linePrompter)(nil)

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

// Prompt returns the raw line without its line ending. io.EOF is returned
// as-is once input is exhausted.
func (p *linePrompter) Prompt(ctx context.Context, recs []types.Recommendation, cov types.CoverageSnapshot) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	fmt.Fprint(p.out, renderMenu(recs, cov))
	fmt.Fprint(p.out, "> ")

	line, err := p.in.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimRight(line, "\r\n"), nil
		}
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
