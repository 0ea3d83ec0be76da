package domain

import "github.com/google/uuid"

// Entity is a scoped graph node. The store assigns StorageID; merge identity
// upstream of storage is (Label, Name) within a scope.
type Entity struct {
	StorageID   string         `json:"id,omitempty"`
	ScopeID     uuid.UUID      `json:"scope_id"`
	Label       string         `json:"label"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Embedding   []float64      `json:"-"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// Relation is a scoped directed edge. Endpoints are addressed by entity name
// and resolved within the relation's scope (scope-consistency invariant).
type Relation struct {
	StorageID   string         `json:"id,omitempty"`
	ScopeID     uuid.UUID      `json:"scope_id"`
	Type        string         `json:"type"`
	Name        string         `json:"name,omitempty"`
	Description string         `json:"description,omitempty"`
	StartName   string         `json:"start_entity"`
	EndName     string         `json:"end_entity"`
	Embedding   []float64      `json:"-"`
	Properties  map[string]any `json:"properties,omitempty"`
}

// WorkingGraph is the in-memory entity/relation collection seeded from
// storage and mutated by one extraction run. The extraction engine appends
// to these slices and must never replace or reorder the seeded elements;
// the build pipeline diffs by pointer identity afterwards.
type WorkingGraph struct {
	Entities  []*Entity
	Relations []*Relation
}

// NewWorkingGraph returns an empty graph with non-nil slices so callers
// can append and serialize without nil checks.
func NewWorkingGraph() *WorkingGraph {
	return &WorkingGraph{Entities: []*Entity{}, Relations: []*Relation{}}
}

// ProgressEvent is one observed snapshot of a task, as delivered to
// subscribers. Found is false exactly when the task id was unknown at
// subscribe time.
type ProgressEvent struct {
	TaskID         uuid.UUID  `json:"task_id"`
	Found          bool       `json:"-"`
	Status         TaskStatus `json:"status"`
	Progress       float64    `json:"progress"`
	CurrentStep    string     `json:"current_step"`
	Message        string     `json:"message"`
	Error          string     `json:"error,omitempty"`
	EntitiesCount  int        `json:"entities_count"`
	RelationsCount int        `json:"relations_count"`
}

func (e ProgressEvent) Terminal() bool {
	return !e.Found || e.Status.Terminal()
}
