package pipeline

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/icsara/docpipe/constants"
	"github.com/icsara/docpipe/internal/common"
)

// classifiedSchema pins the shape of preguntas_clasificadas.json. The document
// is validated before commit so a consumer never downloads a malformed one.
const classifiedSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "array",
	"items": {
		"type": "object",
		"required": ["numero", "texto", "pagina", "categoria", "confianza"],
		"properties": {
			"numero": {"type": "integer", "minimum": 1},
			"texto": {"type": "string", "minLength": 1},
			"pagina": {"type": "integer", "minimum": 1},
			"capitulo": {"type": "string"},
			"categoria": {"type": "string", "minLength": 1},
			"confianza": {"type": "number", "minimum": 0, "maximum": 1}
		}
	}
}`

var classifiedValidator = jsonschema.MustCompileString("preguntas_clasificadas.schema.json", classifiedSchema)

// validateClassified checks the serialized classification output against the
// published schema. A violation is a terminal classify failure, not something
// to retry.
func validateClassified(doc []byte) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return common.NewStageError(string(constants.StageClassifying), common.ErrCodeClassifyError,
			fmt.Errorf("classification output is not valid JSON: %w", err))
	}
	if err := classifiedValidator.Validate(v); err != nil {
		return common.NewStageError(string(constants.StageClassifying), common.ErrCodeClassifyError,
			fmt.Errorf("classification output violates schema: %w", err))
	}
	return nil
}

// marshalJSON renders canonical artifact JSON: two-space indent, trailing
// newline, deterministic for identical input.
func marshalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
