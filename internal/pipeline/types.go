// Package pipeline implements the canonical phases of the document
// scoring run: ingest, score, aggregate, recommend, report.
//
// Each phase is a scheduler handler; the scoring formula itself is a
// swappable collaborator behind the Scorer interface.
package pipeline

import (
	"context"
	"fmt"
)

// Canonical phase ordinals.
const (
	PhaseIngest = iota
	PhaseScore
	PhaseAggregate
	PhaseRecommend
	PhaseReport
)

// Categories are the fixed rubric categories documents are scored
// against. Their count is the aggregation grid width.
var Categories = []string{
	"accuracy",
	"citations",
	"clarity",
	"completeness",
	"consistency",
	"coverage",
	"examples",
	"formatting",
	"readability",
	"relevance",
	"structure",
	"terminology",
}

// Document is one corpus entry as parsed from its JSON file.
type Document struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Category string `json:"category"`
	Body     string `json:"body"`
}

// Manifest lists the corpus files a run must ingest. The parsed
// document count must equal the manifest count exactly.
type Manifest struct {
	Documents []string `json:"documents"`
}

// ScoredDocument carries one document's rubric score.
type ScoredDocument struct {
	ID       string  `json:"id"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
	Band     int     `json:"band"`
}

// GridCell is one category x band cell of the aggregation grid.
type GridCell struct {
	Category  string  `json:"category"`
	Band      int     `json:"band"`
	Count     int     `json:"count"`
	MeanScore float64 `json:"mean_score"`
}

// Recommendation names a weak grid region and the suggested follow-up.
type Recommendation struct {
	Category  string  `json:"category"`
	Band      int     `json:"band"`
	MeanScore float64 `json:"mean_score"`
	Advice    string  `json:"advice"`
}

// Scorer computes a rubric score in [0,1] for one document.
type Scorer interface {
	Score(ctx context.Context, doc Document) (float64, error)
}

// ScorerFunc adapts a function to the Scorer interface.
type ScorerFunc func(ctx context.Context, doc Document) (float64, error)

func (f ScorerFunc) Score(ctx context.Context, doc Document) (float64, error) {
	return f(ctx, doc)
}

// band maps a score in [0,1] onto one of height bands.
func band(score float64, height int) int {
	if score < 0 {
		score = 0
	}
	if score >= 1 {
		return height - 1
	}
	return int(score * float64(height))
}

func categoryIndex(category string) (int, error) {
	for i, c := range Categories {
		if c == category {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown rubric category %q", category)
}
