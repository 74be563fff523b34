package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
)

const maxExtractBytes = 512 << 20

var (
	pdfMagic   = []byte("%PDF-")
	pageTypeRe = regexp.MustCompile(`/Type\s*/Page\b`)
	literalRe  = regexp.MustCompile(`\(((?:[^()\\]|\\.)*)\)\s*Tj`)

	questionRe = regexp.MustCompile(`^\s*(\d+)\s*[.)]\s+(\S.*)$`)
	chapterRe  = regexp.MustCompile(`(?i)^\s*cap[ií]tulo\s+(\S.*)$`)
	hingeRe    = regexp.MustCompile(`(?i)^\s*bisagra\b\s*[:.]?\s*(.*)$`)
	figureRe   = regexp.MustCompile(`(?i)^\s*(figura|fig\.)\s`)
)

// TextExtractor is the built-in extractor. It reads text straight out of
// uncompressed PDF content streams and runs line heuristics over it: numbered
// lines become questions, "Capítulo" headings become chapters, "Bisagra" lines
// become hinges, and pipe-delimited line runs become tables. Scanned or
// compressed-stream documents need a different ContentExtractor behind the
// same interface.
type TextExtractor struct {
	logger *slog.Logger
}

func NewTextExtractor(logger *slog.Logger) *TextExtractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &TextExtractor{logger: logger}
}

func (e *TextExtractor) Extract(ctx context.Context, input io.Reader, includePNG bool) (*ExtractionResult, error) {
	data, err := io.ReadAll(io.LimitReader(input, maxExtractBytes))
	if err != nil {
		return nil, common.Transient("read document", err)
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return nil, common.NewStageError(string(constants.StageExtracting), common.ErrCodeInvalidPDF,
			fmt.Errorf("input is not a PDF document"))
	}

	pageTexts := extractPageTexts(data)
	pages := pageTypeRe.FindAllIndex(data, -1)
	pageCount := len(pages)
	if pageCount < len(pageTexts) {
		pageCount = len(pageTexts)
	}
	if pageCount == 0 {
		return nil, common.NewStageError(string(constants.StageExtracting), common.ErrCodeInvalidPDF,
			fmt.Errorf("document has no pages"))
	}

	result := analyzePages(pageTexts)
	result.Pages = pageCount

	if includePNG {
		images, err := renderPages(ctx, pageCount)
		if err != nil {
			return nil, common.NewStageError(string(constants.StageExtracting), common.ErrCodeProcessingError, err)
		}
		result.Images = images
	}

	e.logger.Info("document extracted",
		"pages", result.Pages,
		"questions", len(result.Questions),
		"chapters", len(result.Chapters),
		"tables", len(result.Tables),
	)
	return result, nil
}

// extractPageTexts pulls literal-string show operations out of each content
// stream. One stream per page holds for the simple documents this extractor
// targets.
func extractPageTexts(data []byte) []string {
	var texts []string
	rest := data
	for {
		start := bytes.Index(rest, []byte("stream"))
		if start < 0 {
			break
		}
		rest = rest[start+len("stream"):]
		end := bytes.Index(rest, []byte("endstream"))
		if end < 0 {
			break
		}
		body := rest[:end]
		rest = rest[end+len("endstream"):]

		var lines []string
		for _, m := range literalRe.FindAllSubmatch(body, -1) {
			lines = append(lines, unescapeLiteral(string(m[1])))
		}
		if len(lines) > 0 {
			texts = append(texts, strings.Join(lines, "\n"))
		}
	}
	return texts
}

func unescapeLiteral(s string) string {
	r := strings.NewReplacer(`\(`, "(", `\)`, ")", `\\`, `\`, `\n`, "\n", `\t`, "\t")
	return r.Replace(s)
}

// analyzePages runs the line heuristics across every page and stitches the
// detections together. The current chapter title is carried forward so each
// question records the chapter it appeared under.
func analyzePages(pageTexts []string) *ExtractionResult {
	result := &ExtractionResult{PageTexts: pageTexts}
	currentChapter := ""

	for i, text := range pageTexts {
		pageNo := i + 1
		var tableRows [][]string

		flushTable := func() {
			if len(tableRows) >= 2 {
				result.Tables = append(result.Tables, Table{Page: pageNo, Rows: tableRows})
			}
			tableRows = nil
		}

		for _, line := range strings.Split(text, "\n") {
			if cells := splitTableRow(line); cells != nil {
				tableRows = append(tableRows, cells)
				continue
			}
			flushTable()

			switch {
			case chapterRe.MatchString(line):
				title := strings.TrimSpace(chapterRe.FindStringSubmatch(line)[1])
				currentChapter = title
				result.Chapters = append(result.Chapters, Chapter{Title: title, Page: pageNo})
			case hingeRe.MatchString(line):
				result.Hinges = append(result.Hinges, Hinge{
					Text: strings.TrimSpace(hingeRe.FindStringSubmatch(line)[1]),
					Page: pageNo,
				})
			case figureRe.MatchString(line):
				result.Figures++
			case questionRe.MatchString(line):
				m := questionRe.FindStringSubmatch(line)
				num, _ := strconv.Atoi(m[1])
				result.Questions = append(result.Questions, Question{
					Number:  num,
					Text:    strings.TrimSpace(m[2]),
					Page:    pageNo,
					Chapter: currentChapter,
				})
			}
		}
		flushTable()
	}
	return result
}

// splitTableRow treats a line with two or more pipe separators as a table row.
func splitTableRow(line string) []string {
	if strings.Count(line, "|") < 2 {
		return nil
	}
	parts := strings.Split(line, "|")
	cells := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			cells = append(cells, trimmed)
		}
	}
	if len(cells) < 2 {
		return nil
	}
	return cells
}

// renderPages emits one blank letter-size page image per page. A proper
// renderer can replace this once the extractor grows raster support; the
// archive layout and naming are what downstream consumers depend on.
func renderPages(ctx context.Context, pages int) ([]PageImage, error) {
	img := image.NewRGBA(image.Rect(0, 0, 850, 1100))
	for y := 0; y < 1100; y++ {
		for x := 0; x < 850; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode page image: %w", err)
	}
	blank := buf.Bytes()

	out := make([]PageImage, 0, pages)
	for i := 1; i <= pages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out = append(out, PageImage{
			Name: fmt.Sprintf("page_%03d.png", i),
			Data: blank,
		})
	}
	return out, nil
}
