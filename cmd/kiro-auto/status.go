package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
	"github.com/GoZippy/kiro-automation-sub000/internal/orchestrator"
	"github.com/GoZippy/kiro-automation-sub000/internal/storage"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning  = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusComplete = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusSkipped  = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending  = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	cycleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
)

func formatTaskStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusInProgress:
		return statusRunning.Render("[-]")
	case models.TaskStatusCompleted:
		return statusComplete.Render("[x]")
	case models.TaskStatusFailed:
		return statusFailed.Render("[!]")
	case models.TaskStatusSkipped:
		return statusSkipped.Render("[~]")
	default:
		return statusPending.Render("[ ]")
	}
}

func formatSessionStatus(s models.SessionStatus) string {
	switch s {
	case models.SessionStatusRunning:
		return statusRunning.Render(string(s))
	case models.SessionStatusCompleted:
		return statusComplete.Render(string(s))
	case models.SessionStatusFailed:
		return statusFailed.Render(string(s))
	case models.SessionStatusPaused, models.SessionStatusStopped:
		return statusSkipped.Render(string(s))
	default:
		return statusPending.Render(string(s))
	}
}

func printEvent(ev orchestrator.Event) {
	line := fmt.Sprintf("%s %-12s %s", dimStyle.Render(ev.At.Format("15:04:05")), ev.WorkspaceID, ev.Type)
	if ev.Task != "" {
		line += " " + ev.Task
	}
	if ev.Attempt > 1 {
		line += dimStyle.Render(fmt.Sprintf(" (attempt %d)", ev.Attempt))
	}
	if ev.Message != "" {
		line += dimStyle.Render(": " + truncate(ev.Message, 80))
	}
	switch ev.Type {
	case orchestrator.EventTaskFailed, orchestrator.EventSessionFailed:
		line = statusFailed.Render("✗ ") + line
	case orchestrator.EventTaskCompleted, orchestrator.EventSessionCompleted:
		line = statusComplete.Render("✓ ") + line
	default:
		line = "  " + line
	}
	fmt.Println(line)
}

func renderOutcomes(outcomes []models.WorkspaceOutcome) string {
	if len(outcomes) == 0 {
		return ""
	}
	s := "\n" + titleStyle.Render("Workspaces") + "\n"
	for _, o := range outcomes {
		s += fmt.Sprintf("  %-16s %s  %d done, %d failed, %d skipped  %s\n",
			truncate(o.WorkspaceID, 16), formatSessionStatus(o.Status),
			o.Completed, o.Failed, o.Skipped,
			dimStyle.Render(o.Elapsed().Round(time.Second).String()))
		if o.Error != "" {
			s += "    " + statusFailed.Render(truncate(o.Error, 100)) + "\n"
		}
	}
	return s
}

func renderStatus(st orchestrator.Status, all []models.Task, history []models.ErrorRecord) string {
	s := titleStyle.Render("Workspace "+st.WorkspaceID) + "\n\n"

	if st.Session.ID == "" {
		s += dimStyle.Render("No sessions yet.") + "\n"
	} else {
		sess := st.Session
		s += labelStyle.Render("Session: ") + sess.ID + "  " + formatSessionStatus(sess.Status) + "\n"
		s += labelStyle.Render("Started: ") + storage.FormatTimeAgo(sess.StartTime) + "\n"
		if sess.EndTime != nil {
			s += labelStyle.Render("Elapsed: ") + sess.EndTime.Sub(sess.StartTime).Round(time.Second).String() + "\n"
		}
		s += labelStyle.Render("Tasks:   ") + fmt.Sprintf("%d done, %d failed, %d skipped\n",
			len(sess.CompletedTasks), len(sess.FailedTasks), len(sess.SkippedTasks))
		if st.CurrentTask != "" {
			s += labelStyle.Render("Current: ") + st.CurrentTask + "\n"
		}
		if sess.Error != nil {
			s += labelStyle.Render("Error:   ") + statusFailed.Render(sess.Error.Message) + "\n"
		}
	}

	if len(st.Queue) > 0 {
		s += "\n" + labelStyle.Render("Ready:   ") + strings.Join(st.Queue, ", ") + "\n"
	}

	s += "\n" + renderTasks(all, st.Cycles)

	if len(history) > 0 {
		s += "\n" + titleStyle.Render("Errors") + "\n"
		start := 0
		if len(history) > 10 {
			start = len(history) - 10
		}
		for _, rec := range history[start:] {
			kind := rec.Kind
			if !rec.Retryable {
				kind += ", fatal"
			}
			s += fmt.Sprintf("  %s %s #%d %s %s\n",
				dimStyle.Render(rec.At.Format("15:04:05")), rec.Task, rec.Attempt,
				statusFailed.Render("("+kind+")"), truncate(rec.Message, 80))
		}
	}
	return s
}

func renderTasks(all []models.Task, cycles map[string][]string) string {
	inCycle := make(map[string]bool)
	for doc, ids := range cycles {
		for _, id := range ids {
			inCycle[doc+":"+id] = true
		}
	}

	var s string
	doc := ""
	for _, t := range all {
		if t.Doc != doc {
			doc = t.Doc
			s += titleStyle.Render(doc) + "\n"
		}
		line := fmt.Sprintf("  %s %s. %s", formatTaskStatus(t.Status), t.ID, t.Title)
		if len(t.Dependencies) > 0 {
			line += dimStyle.Render(" ← " + strings.Join(t.Dependencies, ", "))
		}
		if inCycle[t.Ref().String()] {
			line += " " + cycleStyle.Render("cycle")
		}
		s += line + "\n"
		for _, st := range t.SubTasks {
			sub := fmt.Sprintf("    %s %s %s", formatTaskStatus(st.Status), st.ID, st.Title)
			if st.Optional {
				sub += dimStyle.Render(" (optional)")
			}
			s += sub + "\n"
		}
	}

	if len(cycles) > 0 {
		docs := make([]string, 0, len(cycles))
		for d := range cycles {
			docs = append(docs, d)
		}
		sort.Strings(docs)
		s += "\n" + cycleStyle.Render("Dependency cycles (never scheduled):") + "\n"
		for _, d := range docs {
			s += fmt.Sprintf("  %s: %s\n", d, strings.Join(cycles[d], ", "))
		}
	}
	return s
}
