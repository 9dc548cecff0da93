package graph

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
)

// snapshot is an immutable view of all installed definitions.
type snapshot struct {
	byType   map[string]Definition
	steps    map[string]StepDef
	stepType map[string]string
	checksum string
}

// Registry is a read-optimized, thread-safe index of installed definitions.
// It uses atomic pointer swap for lock-free concurrent reads.
type Registry struct {
	snap atomic.Pointer[snapshot]
}

// NewRegistry creates a Registry from the given definitions.
func NewRegistry(defs []Definition) *Registry {
	r := &Registry{}
	r.Replace(defs)
	return r
}

// Replace atomically swaps the registry contents.
func (r *Registry) Replace(defs []Definition) {
	s := &snapshot{
		byType:   make(map[string]Definition, len(defs)),
		steps:    make(map[string]StepDef),
		stepType: make(map[string]string),
	}
	var parts []string
	for _, def := range defs {
		s.byType[def.WorkflowType] = def
		for _, st := range def.Steps {
			s.steps[st.ID] = st
			s.stepType[st.ID] = def.WorkflowType
		}
		parts = append(parts, def.Checksum)
	}
	sort.Strings(parts)
	s.checksum = fmt.Sprintf("%x", sha256.Sum256([]byte(strings.Join(parts, ":"))))
	r.snap.Store(s)
}

// Put installs or replaces a single definition.
func (r *Registry) Put(def Definition) {
	for {
		old := r.snap.Load()
		defs := make([]Definition, 0, len(old.byType)+1)
		for wt, d := range old.byType {
			if wt != def.WorkflowType {
				defs = append(defs, d)
			}
		}
		defs = append(defs, def)

		next := &Registry{}
		next.Replace(defs)
		if r.snap.CompareAndSwap(old, next.snap.Load()) {
			return
		}
	}
}

func (r *Registry) current() *snapshot {
	return r.snap.Load()
}

// Get returns the definition for a workflow type.
func (r *Registry) Get(workflowType string) (Definition, bool) {
	d, ok := r.current().byType[workflowType]
	return d, ok
}

// Step returns a step definition and the workflow type that owns it.
func (r *Registry) Step(stepID string) (StepDef, string, bool) {
	s := r.current()
	st, ok := s.steps[stepID]
	return st, s.stepType[stepID], ok
}

// WorkflowTypes returns the installed workflow types, sorted.
func (r *Registry) WorkflowTypes() []string {
	s := r.current()
	out := make([]string, 0, len(s.byType))
	for wt := range s.byType {
		out = append(out, wt)
	}
	sort.Strings(out)
	return out
}

// Checksum returns the combined checksum of all installed definitions.
func (r *Registry) Checksum() string {
	return r.current().checksum
}
