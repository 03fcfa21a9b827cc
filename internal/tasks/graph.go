package tasks

import (
	"sort"

	"github.com/GoZippy/kiro-automation-sub000/internal/models"
)

// FindCycles returns every task id that participates in a dependency cycle
// among tasks. Dependencies on ids outside tasks are ignored. Ids are returned
// in ascending order.
func FindCycles(tasks []models.Task) []string {
	deps := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		deps[t.ID] = nil
	}
	for _, t := range tasks {
		for _, d := range t.Dependencies {
			if _, ok := deps[d]; ok {
				deps[t.ID] = append(deps[t.ID], d)
			}
		}
	}

	// Tarjan's strongly connected components.
	var (
		index   = 0
		indices = make(map[string]int)
		lowlink = make(map[string]int)
		onStack = make(map[string]bool)
		stack   []string
		cyclic  []string
	)
	var strongConnect func(v string)
	strongConnect = func(v string) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range deps[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		if lowlink[v] != indices[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || selfLoop(v, deps[v]) {
			cyclic = append(cyclic, component...)
		}
	}

	ids := make([]string, 0, len(deps))
	for id := range deps {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return models.CompareTaskIDs(ids[i], ids[j]) < 0 })
	for _, id := range ids {
		if _, visited := indices[id]; !visited {
			strongConnect(id)
		}
	}
	sort.Slice(cyclic, func(i, j int) bool { return models.CompareTaskIDs(cyclic[i], cyclic[j]) < 0 })
	return cyclic
}

func selfLoop(v string, deps []string) bool {
	for _, d := range deps {
		if d == v {
			return true
		}
	}
	return false
}

// blockedByCycle returns the cycle members plus every task that transitively
// depends on one of them.
func blockedByCycle(tasks []models.Task) map[string]bool {
	blocked := make(map[string]bool)
	for _, id := range FindCycles(tasks) {
		blocked[id] = true
	}
	if len(blocked) == 0 {
		return blocked
	}
	changed := true
	for changed {
		changed = false
		for _, t := range tasks {
			if blocked[t.ID] {
				continue
			}
			for _, d := range t.Dependencies {
				if blocked[d] {
					blocked[t.ID] = true
					changed = true
					break
				}
			}
		}
	}
	return blocked
}

// unsatisfied lists the dependencies of t that are not yet satisfied within
// its document. Unknown ids are never satisfied.
func unsatisfied(t *models.Task, byID map[string]*models.Task) []string {
	var out []string
	for _, d := range t.Dependencies {
		dep, ok := byID[d]
		if !ok || !dep.Satisfied() {
			out = append(out, d)
		}
	}
	return out
}
