package constants

import "strings"

// Artifact names a job can produce. The manifest only ever references names
// from this set, and the download route rejects anything else outright.
const (
	ArtifactPreguntasJSON       = "preguntas.json"
	ArtifactPreguntasTXT        = "preguntas.txt"
	ArtifactChaptersHinges      = "chapters_hinges.json"
	ArtifactClasificadas        = "preguntas_clasificadas.json"
	ArtifactClasificadasDetalle = "preguntas_clasificadas_detalle.json"
	ArtifactOutputsPNG          = "outputs_png.zip"
	ArtifactTextoTotal          = "texto_total.txt"
	ArtifactTablasXLSX          = "tablas.xlsx"
)

// InputPDFName is the fixed name the uploaded document is stored under inside
// a job's storage slot. It is not a manifest artifact and cannot be downloaded.
const InputPDFName = "input.pdf"

var allowedArtifactNames = map[string]struct{}{
	ArtifactPreguntasJSON:       {},
	ArtifactPreguntasTXT:        {},
	ArtifactChaptersHinges:      {},
	ArtifactClasificadas:        {},
	ArtifactClasificadasDetalle: {},
	ArtifactOutputsPNG:          {},
	ArtifactTextoTotal:          {},
	ArtifactTablasXLSX:          {},
}

// IsArtifactName reports whether name belongs to the fixed artifact set.
func IsArtifactName(name string) bool {
	_, ok := allowedArtifactNames[name]
	return ok
}

// AllowedPDFContentTypes holds the content types accepted on upload.
var AllowedPDFContentTypes = map[string]struct{}{
	"application/pdf":      {},
	"application/x-pdf":    {},
	"application/acrobat":  {},
	"applications/vnd.pdf": {},
	"text/pdf":             {},
	"text/x-pdf":           {},
}

// IsAllowedPDFContentType normalizes and checks an upload content type.
func IsAllowedPDFContentType(ctype string) bool {
	_, ok := AllowedPDFContentTypes[strings.ToLower(strings.TrimSpace(ctype))]
	return ok
}

// ArtifactContentType maps an artifact name to the content type served on
// download. Defaults to octet-stream for anything unrecognized.
func ArtifactContentType(name string) string {
	switch {
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".txt"):
		return "text/plain; charset=utf-8"
	case strings.HasSuffix(name, ".zip"):
		return "application/zip"
	case strings.HasSuffix(name, ".xlsx"):
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	return "application/octet-stream"
}
