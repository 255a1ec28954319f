package remote

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const uploadSchema = `{
	"type": "object",
	"required": ["job_id", "status"],
	"properties": {
		"job_id": {"type": "string", "minLength": 1},
		"task_id": {"type": ["string", "null"]},
		"status": {"type": "string"},
		"message": {"type": ["string", "null"]},
		"original_filename": {"type": ["string", "null"]},
		"file_size": {"type": ["integer", "null"], "minimum": 0}
	}
}`

const statusSchema = `{
	"type": "object",
	"required": ["job_id", "status"],
	"properties": {
		"job_id": {"type": "string"},
		"status": {"type": "string"},
		"result_url": {"type": ["string", "null"]},
		"completed_at": {"type": ["string", "null"]},
		"message": {"type": ["string", "null"]},
		"error": {"type": ["string", "null"]},
		"progress": {"type": ["integer", "null"], "minimum": 0, "maximum": 100},
		"stage": {"type": ["string", "null"]}
	}
}`

const statsSchema = `{
	"type": "object",
	"required": ["uploads", "results"],
	"properties": {
		"uploads": {"type": "integer", "minimum": 0},
		"results": {"type": "integer", "minimum": 0},
		"max_file_size_mb": {"type": ["number", "null"]},
		"allowed_extensions": {"type": ["array", "null"], "items": {"type": "string"}}
	}
}`

type schemas struct {
	upload *jsonschema.Schema
	status *jsonschema.Schema
	stats  *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	compiler := jsonschema.NewCompiler()
	resources := map[string]string{
		"upload.json": uploadSchema,
		"status.json": statusSchema,
		"stats.json":  statsSchema,
	}
	for name, src := range resources {
		if err := compiler.AddResource(name, strings.NewReader(src)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", name, err)
		}
	}

	var s schemas
	var err error
	if s.upload, err = compiler.Compile("upload.json"); err != nil {
		return nil, fmt.Errorf("compile upload schema: %w", err)
	}
	if s.status, err = compiler.Compile("status.json"); err != nil {
		return nil, fmt.Errorf("compile status schema: %w", err)
	}
	if s.stats, err = compiler.Compile("stats.json"); err != nil {
		return nil, fmt.Errorf("compile stats schema: %w", err)
	}
	return &s, nil
}

// decode validates data against schema and unmarshals it into out.
func decode(schema *jsonschema.Schema, data []byte, out any) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}
