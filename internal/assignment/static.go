// Package assignment resolves the approvers of a workflow step.
package assignment

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/approvals/internal/config"
	"github.com/pitabwire/approvals/internal/graph"
	"github.com/pitabwire/approvals/model"
)

type assignmentFile struct {
	Steps map[string]map[string][]string `yaml:"steps"`
}

// Static resolves approvers from static sources, in order of precedence: the
// assignment file, the configured overrides, the approvers declared on the
// step in its graph file, and finally the default approvers. Overrides are
// keyed by workflow type, then by step id or case-insensitive step name.
type Static struct {
	registry  *graph.Registry
	overrides map[string]map[string][]string
	defaults  []string
	path      string

	mu   sync.RWMutex
	file assignmentFile
}

// NewStatic creates a resolver over the graphs in registry. If cfg names an
// assignment file it is loaded immediately.
func NewStatic(registry *graph.Registry, cfg config.AssignmentConfig) (*Static, error) {
	s := &Static{
		registry:  registry,
		overrides: cfg.Steps,
		defaults:  cfg.DefaultApprovers,
		path:      cfg.File,
	}
	if s.path != "" {
		if err := s.Sync(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ApproversFor returns the approvers of stepID. It returns NOT_FOUND when no
// installed graph declares the step. The result may be empty.
func (s *Static) ApproversFor(_ context.Context, stepID string) ([]string, error) {
	step, workflowType, ok := s.registry.Step(stepID)
	if !ok {
		return nil, model.NewNotFoundError(fmt.Sprintf("step %q is not declared by any workflow graph", stepID))
	}

	s.mu.RLock()
	fromFile := lookup(s.file.Steps[workflowType], step)
	s.mu.RUnlock()
	if fromFile != nil {
		return fromFile, nil
	}
	if ids := lookup(s.overrides[workflowType], step); ids != nil {
		return clone(ids), nil
	}
	if len(step.Approvers) > 0 {
		return clone(step.Approvers), nil
	}
	return clone(s.defaults), nil
}

// Sync reloads the assignment file from disk. It is a no-op when no file is
// configured.
func (s *Static) Sync() error {
	if s.path == "" {
		return nil
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("assignment: reading %s: %w", s.path, err)
	}

	var f assignmentFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("assignment: parsing %s: %w", s.path, err)
	}

	s.mu.Lock()
	s.file = f
	s.mu.Unlock()
	return nil
}

// lookup finds the entry for step, preferring an exact id match over a name
// match. A nil result means no entry; an explicit empty list is returned as
// an empty non-nil slice.
func lookup(entries map[string][]string, step graph.StepDef) []string {
	if ids, ok := entries[step.ID]; ok {
		return nonNil(ids)
	}
	for key, ids := range entries {
		if step.Name != "" && strings.EqualFold(key, step.Name) {
			return nonNil(ids)
		}
	}
	return nil
}

func nonNil(ids []string) []string {
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

func clone(ids []string) []string {
	if ids == nil {
		return nil
	}
	return nonNil(ids)
}
