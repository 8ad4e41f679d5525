package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/aristath/taskgraph/internal/graph"
)

var reportOrder = []graph.Status{
	graph.StatusPassed,
	graph.StatusVerifying,
	graph.StatusRunning,
	graph.StatusAssigned,
	graph.StatusFailed,
	graph.StatusReady,
	graph.StatusPending,
	graph.StatusBlocked,
	graph.StatusEscalated,
}

// RenderStatus renders every task with its effective status, followed by
// the failure records of escalated tasks.
func RenderStatus(store *graph.Store) string {
	tasks := store.QueryNodes(func(graph.Task) bool { return true })
	counts := store.Counts()

	var b strings.Builder
	b.WriteString(StyleTitle.Render(fmt.Sprintf("Task graph (v%d, %d tasks)", store.Version(), len(tasks))))
	b.WriteString("\n")

	var summary []string
	for _, s := range reportOrder {
		if n := counts[s]; n > 0 {
			summary = append(summary, StatusStyle(s).Render(fmt.Sprintf("%s %d", s, n)))
		}
	}
	b.WriteString(" " + strings.Join(summary, "  "))
	b.WriteString("\n\n")

	rows := make([][]string, 0, len(tasks))
	statuses := make([]graph.Status, 0, len(tasks))
	for _, t := range tasks {
		st, err := store.Status(t.ID)
		if err != nil {
			st = t.Status
		}
		statuses = append(statuses, st)
		rows = append(rows, []string{
			t.ID,
			string(st),
			t.Role,
			fmt.Sprintf("%d/%d", t.AttemptNumber, t.MaxRetries+1),
			strings.Join(t.DependsOn, ", "),
		})
	}

	tbl := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(StyleHelp).
		Headers("TASK", "STATUS", "ROLE", "ATTEMPTS", "DEPENDS ON").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			style := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return style.Bold(true)
			}
			if col == 1 && row >= 0 && row < len(statuses) {
				return style.Inherit(StatusStyle(statuses[row]))
			}
			return style
		})
	b.WriteString(tbl.Render())
	b.WriteString("\n")

	for _, t := range tasks {
		if t.FailureRecord != nil {
			b.WriteString("\n")
			b.WriteString(renderFailure(*t.FailureRecord))
		}
	}
	return b.String()
}

// RenderTask renders one task in detail with its attempt history.
func RenderTask(t graph.Task, effective graph.Status) string {
	var b strings.Builder
	b.WriteString(StyleTitle.Render(t.ID))
	b.WriteString(" " + StatusIcon(effective) + " " + StatusStyle(effective).Render(string(effective)))
	b.WriteString("\n")

	field := func(name, value string) {
		if value != "" {
			b.WriteString(fmt.Sprintf("  %-12s %s\n", name+":", value))
		}
	}
	field("title", t.Title)
	field("role", t.Role)
	field("depends on", strings.Join(t.DependsOn, ", "))
	field("reads", strings.Join(t.FilesRead, ", "))
	field("writes", strings.Join(t.FilesWritten, ", "))
	field("budget", fmt.Sprintf("%d ops", t.ResourceBudget))
	field("attempts", fmt.Sprintf("%d of %d", t.AttemptNumber, t.MaxRetries+1))
	if t.ReplacementOf != "" {
		field("replaces", fmt.Sprintf("%s (generation %d)", t.ReplacementOf, t.Generation))
	}
	for _, c := range t.AcceptanceCriteria {
		field("criterion", c)
	}

	if len(t.Attempts) > 0 {
		b.WriteString("\n")
		b.WriteString(renderAttempts(t.Attempts))
	}
	if t.FailureRecord != nil {
		b.WriteString("\n")
		b.WriteString(renderFailure(*t.FailureRecord))
	}
	return b.String()
}

func renderAttempts(attempts []graph.Attempt) string {
	var b strings.Builder
	for _, a := range attempts {
		style := StyleStatusEscalated
		if a.Outcome == graph.OutcomePassed {
			style = StyleStatusPassed
		}
		line := fmt.Sprintf("  #%d %s, %d ops", a.Number, style.Render(string(a.Outcome)), a.Operations)
		if !a.StartedAt.IsZero() && !a.FinishedAt.IsZero() {
			line += fmt.Sprintf(", %v", a.FinishedAt.Sub(a.StartedAt).Round(time.Millisecond))
		}
		b.WriteString(line + "\n")
		if a.Error != "" {
			b.WriteString(StyleHelp.Render("     "+a.Error) + "\n")
		}
		for _, e := range a.Evidence {
			b.WriteString("     " + e + "\n")
		}
	}
	return b.String()
}

func renderFailure(rec graph.FailureRecord) string {
	var b strings.Builder
	b.WriteString(StyleStatusEscalated.Render(fmt.Sprintf("%s escalated after %d attempts", rec.TaskID, len(rec.Attempts))))
	if !rec.EscalatedAt.IsZero() {
		b.WriteString(StyleHelp.Render(" at " + rec.EscalatedAt.Format(time.RFC3339)))
	}
	b.WriteString("\n")
	if rec.LastError != "" {
		b.WriteString("  last error: " + rec.LastError + "\n")
	}
	for _, e := range rec.LastEvidence {
		b.WriteString("  evidence:   " + e + "\n")
	}
	if len(rec.Impact) > 0 {
		b.WriteString("  blocks:     " + strings.Join(rec.Impact, ", ") + "\n")
	}
	if len(rec.Replacements) > 0 {
		b.WriteString("  replaced by: " + strings.Join(rec.Replacements, ", ") + "\n")
	}
	return b.String()
}
