package server

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const registerFaceSchema = `{
	"type": "object",
	"required": ["student_id", "image"],
	"properties": {
		"student_id": {"type": "string", "minLength": 1, "maxLength": 64},
		"image": {"type": "string", "minLength": 1}
	}
}`

const startExamSchema = `{
	"type": "object",
	"required": ["student_id"],
	"properties": {
		"student_id": {"type": "string", "minLength": 1, "maxLength": 64}
	}
}`

const logViolationSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {"type": "string", "pattern": "^[A-Z_]{1,64}$"}
	}
}`

type schemas struct {
	registerFace *jsonschema.Schema
	startExam    *jsonschema.Schema
	logViolation *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	sources := map[string]string{
		"register_face.json": registerFaceSchema,
		"start_exam.json":    startExamSchema,
		"log_violation.json": logViolationSchema,
	}
	for name, src := range sources {
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	var s schemas
	for name, dst := range map[string]**jsonschema.Schema{
		"register_face.json": &s.registerFace,
		"start_exam.json":    &s.startExam,
		"log_violation.json": &s.logViolation,
	} {
		compiled, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = compiled
	}
	return &s, nil
}

// decodeValid checks body against schema, then decodes it into dst.
func decodeValid(schema *jsonschema.Schema, body []byte, dst any) error {
	var instance any
	if err := json.Unmarshal(body, &instance); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}
