// Package extraction defines the knowledge graph extraction engine
// contract. An engine receives a seed graph holding everything already
// known for the scope and grows it in place while processing one
// document. Seed entities and relations keep their identity, so the
// caller can tell newly extracted items apart from pre-existing ones by
// pointer comparison.
package extraction

import (
	"context"

	"github.com/graphforge/graphforge-backend/internal/domain"
)

type TokenUsage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

type Engine interface {
	// BuildKnowledgeGraph processes the document at path and returns the
	// grown graph. The returned graph contains every seed item plus the
	// additions from this document.
	BuildKnowledgeGraph(ctx context.Context, path string, mode string) (*domain.WorkingGraph, error)

	// TokenUsage reports the model tokens consumed by the last build.
	TokenUsage() TokenUsage
}

// Factory builds an engine primed with the seed graph for one run.
// Engines are single-use because they accumulate token usage per build.
type Factory func(seed *domain.WorkingGraph) Engine
