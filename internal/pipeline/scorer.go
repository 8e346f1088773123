package pipeline

import (
	"context"
	"strings"
	"unicode"
)

// rubricScorer is the default deterministic scorer. It rates a document
// on surface features of its body text; the exact formula is domain
// logic and deliberately replaceable.
type rubricScorer struct{}

// NewRubricScorer returns the built-in scorer.
func NewRubricScorer() Scorer {
	return rubricScorer{}
}

func (rubricScorer) Score(ctx context.Context, doc Document) (float64, error) {
	if _, err := categoryIndex(doc.Category); err != nil {
		return 0, err
	}
	if strings.TrimSpace(doc.Body) == "" {
		return 0, nil
	}

	words := strings.FieldsFunc(doc.Body, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(words) == 0 {
		return 0, nil
	}

	unique := make(map[string]struct{}, len(words))
	var totalLen int
	for _, w := range words {
		unique[strings.ToLower(w)] = struct{}{}
		totalLen += len(w)
	}

	// Vocabulary diversity and mean word length, each squashed to [0,1].
	diversity := float64(len(unique)) / float64(len(words))
	meanLen := float64(totalLen) / float64(len(words))
	lengthScore := meanLen / 10
	if lengthScore > 1 {
		lengthScore = 1
	}

	structure := 0.0
	if doc.Title != "" {
		structure = 1.0
	}

	score := 0.5*diversity + 0.3*lengthScore + 0.2*structure
	if score > 1 {
		score = 1
	}
	return score, nil
}
