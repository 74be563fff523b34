package pipeline

import (
	"context"
	"sort"
	"strings"
)

// Taxonomy categories, ordered by specificity: the first category whose
// keywords match wins ties on score.
var taxonomy = []struct {
	Category string
	Keywords []string
}{
	{"verdadero_falso", []string{"verdadero o falso", "verdadero/falso", "v o f", "indique si es verdadero"}},
	{"seleccion_multiple", []string{"seleccione", "marque la alternativa", "alternativa correcta", "opción correcta", "opcion correcta"}},
	{"calculo", []string{"calcule", "calcular", "determine el valor", "resuelva", "halle", "cuánto", "cuanto"}},
	{"definicion", []string{"defina", "definición", "definicion", "qué es", "que es", "concepto de", "qué se entiende", "que se entiende"}},
	{"desarrollo", []string{"explique", "describa", "analice", "justifique", "compare", "fundamente", "comente"}},
}

// KeywordClassifier assigns each question the taxonomy category whose keyword
// set matches its text most often. Matching is case-insensitive substring
// search; a question matching nothing lands in the unclassified set.
type KeywordClassifier struct{}

func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{}
}

func (c *KeywordClassifier) Classify(ctx context.Context, questions []Question) (*ClassificationResult, error) {
	result := &ClassificationResult{}
	for _, q := range questions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := strings.ToLower(q.Text)

		bestCategory := ""
		bestScore := 0
		var bestMatched []string
		for _, entry := range taxonomy {
			var matched []string
			for _, kw := range entry.Keywords {
				if strings.Contains(text, kw) {
					matched = append(matched, kw)
				}
			}
			if len(matched) > bestScore {
				bestScore = len(matched)
				bestCategory = entry.Category
				bestMatched = matched
			}
		}

		if bestScore == 0 {
			result.Unclassified = append(result.Unclassified, q)
			continue
		}
		sort.Strings(bestMatched)
		result.Classified = append(result.Classified, ClassifiedQuestion{
			Question:   q,
			Category:   bestCategory,
			Confidence: confidence(bestScore),
			Matched:    bestMatched,
		})
	}
	return result, nil
}

// confidence maps the match count onto (0, 1]. One keyword is a weak signal,
// three or more is as sure as keyword matching gets.
func confidence(matches int) float64 {
	switch {
	case matches >= 3:
		return 0.95
	case matches == 2:
		return 0.8
	default:
		return 0.6
	}
}
