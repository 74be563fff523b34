package pipeline

import (
	"archive/zip"
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
)

// chaptersHinges is the payload of chapters_hinges.json.
type chaptersHinges struct {
	Capitulos []Chapter `json:"capitulos"`
	Bisagras  []Hinge   `json:"bisagras"`
}

func buildPreguntasJSON(questions []Question) ([]byte, error) {
	if questions == nil {
		questions = []Question{}
	}
	return marshalJSON(questions)
}

func buildPreguntasTXT(questions []Question) []byte {
	var b strings.Builder
	for _, q := range questions {
		fmt.Fprintf(&b, "%d. %s (pág. %d)\n", q.Number, q.Text, q.Page)
	}
	return []byte(b.String())
}

func buildChaptersHinges(chapters []Chapter, hinges []Hinge) ([]byte, error) {
	doc := chaptersHinges{Capitulos: chapters, Bisagras: hinges}
	if doc.Capitulos == nil {
		doc.Capitulos = []Chapter{}
	}
	if doc.Bisagras == nil {
		doc.Bisagras = []Hinge{}
	}
	return marshalJSON(doc)
}

func buildTextoTotal(pageTexts []string) []byte {
	return []byte(strings.Join(pageTexts, "\f"))
}

// buildTablasXLSX renders every detected table onto its own sheet.
func buildTablasXLSX(tables []Table) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	for i, table := range tables {
		sheet := fmt.Sprintf("Tabla %d", i+1)
		if i == 0 {
			if err := f.SetSheetName("Sheet1", sheet); err != nil {
				return nil, fmt.Errorf("rename sheet: %w", err)
			}
		} else {
			if _, err := f.NewSheet(sheet); err != nil {
				return nil, fmt.Errorf("add sheet: %w", err)
			}
		}
		if err := f.SetCellValue(sheet, "A1", fmt.Sprintf("Página %d", table.Page)); err != nil {
			return nil, err
		}
		for r, row := range table.Rows {
			for c, cell := range row {
				addr, err := excelize.CoordinatesToCellName(c+1, r+2)
				if err != nil {
					return nil, err
				}
				if err := f.SetCellValue(sheet, addr, cell); err != nil {
					return nil, err
				}
			}
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}

// buildOutputsZIP packs the rendered page images. Entry timestamps are pinned
// so the archive bytes only depend on the page content.
func buildOutputsZIP(images []PageImage) ([]byte, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	epoch := time.Unix(0, 0).UTC()

	for _, img := range images {
		w, err := zw.CreateHeader(&zip.FileHeader{
			Name:     img.Name,
			Method:   zip.Deflate,
			Modified: epoch,
		})
		if err != nil {
			return nil, fmt.Errorf("add %s to archive: %w", img.Name, err)
		}
		if _, err := w.Write(img.Data); err != nil {
			return nil, fmt.Errorf("write %s to archive: %w", img.Name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finalize archive: %w", err)
	}
	return buf.Bytes(), nil
}

func buildClasificadas(classified []ClassifiedQuestion) ([]byte, error) {
	out := make([]ClassifiedQuestion, len(classified))
	for i, cq := range classified {
		cq.Matched = nil // keyword detail lives in the detalle artifact
		out[i] = cq
	}
	return marshalJSON(out)
}

// detalleDoc is the payload of preguntas_clasificadas_detalle.json: the full
// classification evidence plus whatever could not be classified.
type detalleDoc struct {
	Clasificadas   []ClassifiedQuestion `json:"clasificadas"`
	SinClasificar  []Question           `json:"sin_clasificar"`
	TotalPreguntas int                  `json:"total_preguntas"`
}

func buildClasificadasDetalle(res *ClassificationResult) ([]byte, error) {
	doc := detalleDoc{
		Clasificadas:   res.Classified,
		SinClasificar:  res.Unclassified,
		TotalPreguntas: len(res.Classified) + len(res.Unclassified),
	}
	if doc.Clasificadas == nil {
		doc.Clasificadas = []ClassifiedQuestion{}
	}
	if doc.SinClasificar == nil {
		doc.SinClasificar = []Question{}
	}
	return marshalJSON(doc)
}
