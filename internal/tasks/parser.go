package tasks

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

var (
	checkboxPattern   = regexp.MustCompile(`^(\s*)[-*] \[(.)\](\*)?\s+(.*)$`)
	idTitlePattern    = regexp.MustCompile(`^(\S+?)\.?\s+(.+)$`)
	annotationPattern = regexp.MustCompile(`^\s*(?:[-*]\s+)?_([A-Za-z][A-Za-z ]*):\s*(.*?)_\s*$`)
	detailPattern     = regexp.MustCompile(`^\s+[-*]\s+(.+)$`)
)

// ParseError reports a checkbox line whose marker or id cannot be understood.
type ParseError struct {
	Path   string
	Line   int
	Text   string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d: %s: %q", e.Path, e.Line, e.Reason, strings.TrimSpace(e.Text))
}

var markerStatus = map[string]models.TaskStatus{
	" ": models.TaskStatusPending,
	"-": models.TaskStatusInProgress,
	"x": models.TaskStatusCompleted,
	"X": models.TaskStatusCompleted,
	"!": models.TaskStatusFailed,
	"~": models.TaskStatusSkipped,
}

// Marker returns the checkbox character written for a status.
func Marker(status models.TaskStatus) (string, error) {
	switch status {
	case models.TaskStatusPending:
		return " ", nil
	case models.TaskStatusInProgress:
		return "-", nil
	case models.TaskStatusCompleted:
		return "x", nil
	case models.TaskStatusFailed:
		return "!", nil
	case models.TaskStatusSkipped:
		return "~", nil
	}
	return "", fmt.Errorf("no marker for status %q", status)
}

// Parse reads and parses one task document.
func Parse(doc DocumentRef) ([]models.Task, error) {
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task document: %w", err)
	}
	return ParseContent(doc, string(data))
}

// ParseContent turns checklist markdown into tasks. Lines that are not task
// checkboxes, annotations or detail bullets are ignored. Tasks are returned
// in ascending id order.
func ParseContent(doc DocumentRef, content string) ([]models.Task, error) {
	var (
		tasks   []models.Task
		current = -1 // index into tasks
		lastSub = -1 // index into tasks[current].SubTasks, -1 when the task itself was last
		seen    = make(map[string]bool)
	)

	lines := strings.Split(content, "\n")
	for i, raw := range lines {
		lineNo := i + 1
		line := strings.TrimRight(raw, "\r")

		if m := checkboxPattern.FindStringSubmatch(line); m != nil {
			indent, marker, optional, rest := m[1], m[2], m[3] == "*", m[4]
			status, ok := markerStatus[marker]
			if !ok {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: fmt.Sprintf("unknown status marker %q", marker)}
			}
			idm := idTitlePattern.FindStringSubmatch(strings.TrimSpace(rest))
			if idm == nil {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: "missing task id"}
			}
			id, title := idm[1], strings.TrimSpace(idm[2])
			if _, err := models.ParseTaskID(id); err != nil {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: err.Error()}
			}
			if seen[id] {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: fmt.Sprintf("duplicate task id %s", id)}
			}
			seen[id] = true
			loc := models.SourceLocation{Path: doc.Path, Line: lineNo}

			if indent == "" {
				tasks = append(tasks, models.Task{
					Doc:    doc.Name,
					ID:     id,
					Title:  title,
					Status: status,
					Source: loc,
				})
				current = len(tasks) - 1
				lastSub = -1
				continue
			}

			if current < 0 {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: "subtask without a parent task"}
			}
			parent := &tasks[current]
			if models.ParentID(id) != parent.ID {
				return nil, &ParseError{Path: doc.Path, Line: lineNo, Text: line, Reason: fmt.Sprintf("subtask id %s does not extend parent id %s", id, parent.ID)}
			}
			parent.SubTasks = append(parent.SubTasks, models.SubTask{
				ID:       id,
				Title:    title,
				Status:   status,
				Optional: optional,
				Source:   loc,
			})
			lastSub = len(parent.SubTasks) - 1
			continue
		}

		if current < 0 {
			continue
		}
		task := &tasks[current]

		if m := annotationPattern.FindStringSubmatch(line); m != nil {
			key := strings.ToLower(strings.TrimSpace(m[1]))
			values := splitList(m[2])
			switch key {
			case "requirements", "requirement", "refs":
				if lastSub >= 0 {
					st := &task.SubTasks[lastSub]
					st.RequirementRefs = append(st.RequirementRefs, values...)
				} else {
					task.RequirementRefs = append(task.RequirementRefs, values...)
				}
			case "depends", "depends on", "dependencies":
				task.Dependencies = append(task.Dependencies, values...)
			}
			continue
		}

		if m := detailPattern.FindStringSubmatch(line); m != nil {
			detail := strings.TrimSpace(m[1])
			if lastSub >= 0 {
				st := &task.SubTasks[lastSub]
				st.Details = append(st.Details, detail)
			} else {
				task.Details = append(task.Details, detail)
			}
		}
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		return models.CompareTaskIDs(tasks[i].ID, tasks[j].ID) < 0
	})
	return tasks, nil
}

// ReplaceMarker rewrites only the checkbox character of a task line.
func ReplaceMarker(line string, status models.TaskStatus) (string, error) {
	marker, err := Marker(status)
	if err != nil {
		return "", err
	}
	loc := checkboxPattern.FindStringSubmatchIndex(line)
	if loc == nil {
		return "", fmt.Errorf("not a task line: %q", line)
	}
	start, end := loc[4], loc[5]
	return line[:start] + marker + line[end:], nil
}

// lineID returns the task id on a checkbox line, or "".
func lineID(line string) string {
	m := checkboxPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return ""
	}
	idm := idTitlePattern.FindStringSubmatch(strings.TrimSpace(m[4]))
	if idm == nil {
		return ""
	}
	return idm[1]
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
