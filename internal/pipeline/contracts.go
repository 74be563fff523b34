package pipeline

import (
	"context"
	"io"
)

// Question is one detected exam question.
type Question struct {
	Number  int    `json:"numero"`
	Text    string `json:"texto"`
	Page    int    `json:"pagina"`
	Chapter string `json:"capitulo,omitempty"`
}

// Chapter is a detected chapter heading.
type Chapter struct {
	Title string `json:"titulo"`
	Page  int    `json:"pagina"`
}

// Hinge is a transition page between chapters (a "bisagra").
type Hinge struct {
	Text string `json:"texto"`
	Page int    `json:"pagina"`
}

// Table is one detected table, kept as raw cell rows.
type Table struct {
	Page int        `json:"pagina"`
	Rows [][]string `json:"filas"`
}

// PageImage is a rendered page, written into outputs_png.zip.
type PageImage struct {
	Name string
	Data []byte
}

// ExtractionResult is everything the extraction stage pulls out of a document.
type ExtractionResult struct {
	Pages     int
	PageTexts []string
	Questions []Question
	Chapters  []Chapter
	Hinges    []Hinge
	Tables    []Table
	Figures   int
	Images    []PageImage
}

// TotalDetections counts every detected element, mirroring the summary field.
func (r *ExtractionResult) TotalDetections() int {
	return len(r.Questions) + len(r.Chapters) + len(r.Hinges) + len(r.Tables) + r.Figures
}

// ContentExtractor turns an uploaded document into structured content. It must
// be deterministic: extracting the same input twice yields byte-identical
// artifacts, which is what makes queue redelivery harmless. Domain failures
// (unreadable or non-PDF input) come back as a StageError.
type ContentExtractor interface {
	Extract(ctx context.Context, input io.Reader, includePNG bool) (*ExtractionResult, error)
}

// ClassifiedQuestion is a question with its assigned taxonomy category.
type ClassifiedQuestion struct {
	Question
	Category   string   `json:"categoria"`
	Confidence float64  `json:"confianza"`
	Matched    []string `json:"coincidencias,omitempty"`
}

// ClassificationResult splits the input set into classified and unclassified.
type ClassificationResult struct {
	Classified   []ClassifiedQuestion
	Unclassified []Question
}

// Classifier assigns taxonomy categories to extracted questions. Same
// determinism contract as ContentExtractor.
type Classifier interface {
	Classify(ctx context.Context, questions []Question) (*ClassificationResult, error)
}
