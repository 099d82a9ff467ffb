// Package depindex stores the scheduler's forward and reverse dependency
// edges between managed tasks.
//
// Grounded on the teacher's one-shot DAG builder in
// services/orchestrator/dag_engine.go (buildDAG's InDegree/Children
// bookkeeping and the "workflow has circular dependencies" check),
// generalized from a batch-built, run-once DAG into a live index that
// supports incremental submission: a task's dependents set is built lazily
// as later submissions declare it as a dependency, rather than all at once.
package depindex

import "sync"

// ID is the opaque task identifier the index keys edges by.
type ID string

// Index tracks, for every declared task, its dependency set (forward
// edges) and its dependents set (reverse edges).
type Index struct {
	mu         sync.Mutex
	deps       map[ID]map[ID]struct{}
	dependents map[ID]map[ID]struct{}
}

// New creates an empty dependency index.
func New() *Index {
	return &Index{
		deps:       make(map[ID]map[ID]struct{}),
		dependents: make(map[ID]map[ID]struct{}),
	}
}

// Declare records task's dependency set. Safe to call once per task, at
// submission time.
func (ix *Index) Declare(task ID, deps []ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	set := make(map[ID]struct{}, len(deps))
	for _, d := range deps {
		set[d] = struct{}{}
	}
	ix.deps[task] = set
}

// AddDependent records that task depends on dep, i.e. dep gains task as a
// reverse-edge dependent. Called lazily the first time task's dependency
// check visits dep, per §4.1.
func (ix *Index) AddDependent(dep, task ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.dependents[dep] == nil {
		ix.dependents[dep] = make(map[ID]struct{})
	}
	ix.dependents[dep][task] = struct{}{}
}

// Dependents returns the tasks that name task as a dependency.
func (ix *Index) Dependents(task ID) []ID {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]ID, 0, len(ix.dependents[task]))
	for id := range ix.dependents[task] {
		out = append(out, id)
	}
	return out
}

// Dependencies returns task's declared dependency set.
func (ix *Index) Dependencies(task ID) []ID {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	out := make([]ID, 0, len(ix.deps[task]))
	for id := range ix.deps[task] {
		out = append(out, id)
	}
	return out
}

// WouldCycle reports whether declaring task with the given deps would
// create a dependency cycle, given edges already recorded by prior
// Declare calls. Implements the §9 "reject cycles at submit time" choice
// (see DESIGN.md Open Question resolution) rather than leaving a cyclic
// submission to leak permanently in WAITING.
func (ix *Index) WouldCycle(task ID, deps []ID) bool {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	visited := make(map[ID]bool)
	var dfs func(ID) bool
	dfs = func(n ID) bool {
		if n == task {
			return true
		}
		if visited[n] {
			return false
		}
		visited[n] = true
		for d := range ix.deps[n] {
			if dfs(d) {
				return true
			}
		}
		return false
	}
	for _, d := range deps {
		if dfs(d) {
			return true
		}
	}
	return false
}

// Forget removes task's own forward edge set and its own entry in the
// reverse-edge map. task stays listed among the dependents of the tasks
// it depended on.
func (ix *Index) Forget(task ID) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.deps, task)
	delete(ix.dependents, task)
}
