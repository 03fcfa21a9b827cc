// Package changes computes structured differences between two snapshots of a
// task graph. It is a pure function over models.Task values.
package changes

import (
	"sort"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

// StatusChange records a status transition of a task, or of one of its
// subtasks when SubTaskID is set.
type StatusChange struct {
	Task      models.Ref
	SubTaskID string
	Old       models.TaskStatus
	New       models.TaskStatus
}

// ContentChange records which non-status fields of a task differ.
type ContentChange struct {
	Task         models.Ref
	Title        bool
	Requirements bool
	SubTasks     bool
	Dependencies bool
}

type Diff struct {
	Added          []models.Task
	Removed        []models.Task
	StatusChanges  []StatusChange
	ContentChanges []ContentChange
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 &&
		len(d.StatusChanges) == 0 && len(d.ContentChanges) == 0
}

// Compute matches tasks by document and id. A task present in both snapshots
// whose title, requirement list, dependency list or subtask composition
// differs is reported as a content change even when its status did not move.
// Output slices are ordered by document then numeric task id.
func Compute(oldTasks, newTasks []models.Task) Diff {
	oldByRef := index(oldTasks)
	newByRef := index(newTasks)

	var d Diff
	for _, ref := range sortedRefs(newByRef) {
		nt := newByRef[ref]
		ot, ok := oldByRef[ref]
		if !ok {
			d.Added = append(d.Added, nt.Clone())
			continue
		}
		if ot.Status != nt.Status {
			d.StatusChanges = append(d.StatusChanges, StatusChange{Task: ref, Old: ot.Status, New: nt.Status})
		}
		d.StatusChanges = append(d.StatusChanges, subTaskStatusChanges(ref, ot, nt)...)

		cc := ContentChange{
			Task:         ref,
			Title:        ot.Title != nt.Title,
			Requirements: !equalStrings(ot.RequirementRefs, nt.RequirementRefs),
			Dependencies: !equalStrings(ot.Dependencies, nt.Dependencies),
			SubTasks:     !sameComposition(ot.SubTasks, nt.SubTasks),
		}
		if cc.Title || cc.Requirements || cc.Dependencies || cc.SubTasks {
			d.ContentChanges = append(d.ContentChanges, cc)
		}
	}
	for _, ref := range sortedRefs(oldByRef) {
		if _, ok := newByRef[ref]; !ok {
			d.Removed = append(d.Removed, oldByRef[ref].Clone())
		}
	}
	return d
}

func subTaskStatusChanges(ref models.Ref, ot, nt *models.Task) []StatusChange {
	var out []StatusChange
	for _, nst := range nt.SubTasks {
		ost, ok := ot.SubTask(nst.ID)
		if !ok || ost.Status == nst.Status {
			continue
		}
		out = append(out, StatusChange{Task: ref, SubTaskID: nst.ID, Old: ost.Status, New: nst.Status})
	}
	return out
}

// sameComposition compares subtasks ignoring status and line numbers.
func sameComposition(a, b []models.SubTask) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Title != b[i].Title || a[i].Optional != b[i].Optional {
			return false
		}
		if !equalStrings(a[i].RequirementRefs, b[i].RequirementRefs) {
			return false
		}
	}
	return true
}

func index(tasks []models.Task) map[models.Ref]*models.Task {
	out := make(map[models.Ref]*models.Task, len(tasks))
	for i := range tasks {
		out[tasks[i].Ref()] = &tasks[i]
	}
	return out
}

func sortedRefs(m map[models.Ref]*models.Task) []models.Ref {
	refs := make([]models.Ref, 0, len(m))
	for ref := range m {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Doc != refs[j].Doc {
			return refs[i].Doc < refs[j].Doc
		}
		return models.CompareTaskIDs(refs[i].ID, refs[j].ID) < 0
	})
	return refs
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
