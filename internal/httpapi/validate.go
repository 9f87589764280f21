package httpapi

import (
	"io"
	"net/http"

	"github.com/buger/jsonparser"
	"github.com/xeipuuv/gojsonschema"

	"github.com/orchestrahub/hub/internal/huberr"
)

// readBody reads and returns the full request body, needed whenever a
// handler both schema-validates and decodes the same payload (decoding
// via json.NewDecoder would otherwise consume the stream once).
func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, huberr.New(huberr.CodeValidation, "request body is required")
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, huberr.Wrap(huberr.CodeValidation, "failed to read request body", err)
	}
	return data, nil
}

// Schemas are compiled once at package init from inline documents rather
// than loaded from a schema directory — the Hub core ships as a single
// binary and the request shapes are part of its own wire contract (§6),
// not an externally evolving contract that would justify file-based
// schemas the way the teacher's workflow-spec loader does.
var (
	agentRegisterSchema = mustCompileSchema(`{
		"type": "object",
		"properties": {
			"agentId": {"type": "string"},
			"system": {"type": "string"},
			"type": {"type": "string"},
			"capabilities": {"type": "object"},
			"extensions": {"type": "object"}
		}
	}`)

	runSubmitSchema = mustCompileSchema(`{
		"type": "object",
		"required": ["agentId"],
		"properties": {
			"agentId": {"type": "string", "minLength": 1},
			"threadId": {"type": "string"},
			"input": {"type": "object"},
			"options": {"type": "object"}
		}
	}`)
)

func mustCompileSchema(doc string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(doc))
	if err != nil {
		panic("httpapi: invalid embedded schema: " + err.Error())
	}
	return schema
}

// validateAgainst runs body through schema, returning a VALID_SCHEMA
// huberr.Error listing every violation when it fails. gojsonschema pulls
// in gojsonpointer/gojsonreference internally to resolve any "$ref" a
// schema might use; the embedded schemas above don't need one, but the
// dependency is exercised the moment a caller adds one.
func validateAgainst(schema *gojsonschema.Schema, body []byte) error {
	result, err := schema.Validate(gojsonschema.NewBytesLoader(body))
	if err != nil {
		return huberr.Wrap(huberr.CodeValidationSchema, "schema validation failed", err)
	}
	if result.Valid() {
		return nil
	}
	violations := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		violations = append(violations, e.String())
	}
	return huberr.New(huberr.CodeValidationSchema, "request body failed schema validation").
		WithContext(map[string]any{"violations": violations})
}

// peekOperation fast-paths reading input.operation out of a raw run
// submission body without a full json.Unmarshal, so the router's
// explicit-operation phase (§4.3 phase 1) can be logged/traced before
// the body is decoded into a types.RunInput. Absence is not an error —
// the router's pattern-detection phase (§4.3 phase 2) handles that case.
func peekOperation(body []byte) string {
	value, err := jsonparser.GetString(body, "input", "operation")
	if err != nil {
		return ""
	}
	return value
}
