// Package schemacheck validates the JSON payloads that cross the
// agent-container boundary: task.json, result.json
// (agent_result_v1), benchmark_prediction.json, and benchmark_score.json.
// Each carries a schema_version field; an unknown major version fails
// validation. Validation itself is delegated to
// github.com/santhosh-tekuri/jsonschema/v5, compiled once per schema at
// registry construction and reused across trials.
package schemacheck

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var embeddedSchemas embed.FS

// Document identifies one of the recognized payload kinds.
type Document string

const (
	DocTask               Document = "task_v1"
	DocAgentResult        Document = "agent_result_v1"
	DocBenchmarkPrediction Document = "benchmark_prediction_v1"
	DocBenchmarkScore     Document = "benchmark_score_v1"
)

// ErrSchemaMismatch wraps a validation failure with the document kind
// and the schema_version that was rejected.
type ErrSchemaMismatch struct {
	Doc     Document
	Version string
	Reason  string
}

func (e *ErrSchemaMismatch) Error() string {
	return fmt.Sprintf("schemacheck: %s schema_version %q: %s", e.Doc, e.Version, e.Reason)
}

// Registry holds one compiled jsonschema.Schema per recognized
// document kind, keyed by major version prefix (e.g. "v1").
type Registry struct {
	compiled map[Document]map[string]*jsonschema.Schema
}

// NewRegistry compiles the embedded schema set. It returns an error
// only on a malformed embedded schema, which is a build-time defect,
// never a runtime/user-input condition.
func NewRegistry() (*Registry, error) {
	c := jsonschema.NewCompiler()
	entries, err := embeddedSchemas.ReadDir("schemas")
	if err != nil {
		return nil, fmt.Errorf("schemacheck: read embedded schemas: %w", err)
	}
	for _, e := range entries {
		name := "schemas/" + e.Name()
		data, err := embeddedSchemas.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("schemacheck: read %s: %w", name, err)
		}
		if err := c.AddResource(name, bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("schemacheck: add resource %s: %w", name, err)
		}
	}
	reg := &Registry{compiled: make(map[Document]map[string]*jsonschema.Schema)}
	for doc, versions := range schemaFiles {
		reg.compiled[doc] = make(map[string]*jsonschema.Schema)
		for version, file := range versions {
			sch, err := c.Compile("schemas/" + file)
			if err != nil {
				return nil, fmt.Errorf("schemacheck: compile %s: %w", file, err)
			}
			reg.compiled[doc][version] = sch
		}
	}
	return reg, nil
}

// schemaFiles maps (document kind, major version) to an embedded
// schema filename. Minor/patch components of schema_version are not
// distinguished; only the major component selects a schema.
var schemaFiles = map[Document]map[string]string{
	DocTask:                {"v1": "task_v1.schema.json"},
	DocAgentResult:         {"v1": "agent_result_v1.schema.json"},
	DocBenchmarkPrediction: {"v1": "benchmark_prediction_v1.schema.json"},
	DocBenchmarkScore:      {"v1": "benchmark_score_v1.schema.json"},
}

// majorOf extracts "v1" out of "agent_result_v1" or "v1.3" out of a
// bare "v1.3" schema_version string.
func majorOf(version string) string {
	v := strings.TrimPrefix(version, "agent_result_")
	if i := strings.IndexByte(v, '.'); i >= 0 {
		return v[:i]
	}
	return v
}

// Validate checks raw JSON bytes against the schema registered for
// doc's declared schema_version field, failing if the major version is
// unrecognized or the document otherwise fails validation.
func (r *Registry) Validate(doc Document, raw []byte) error {
	var probe struct {
		SchemaVersion string `json:"schema_version"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return fmt.Errorf("schemacheck: %s: decode: %w", doc, err)
	}
	if probe.SchemaVersion == "" {
		return &ErrSchemaMismatch{Doc: doc, Version: "", Reason: "missing schema_version field"}
	}
	versions, ok := r.compiled[doc]
	if !ok {
		return fmt.Errorf("schemacheck: unrecognized document kind %q", doc)
	}
	major := majorOf(probe.SchemaVersion)
	sch, ok := versions[major]
	if !ok {
		return &ErrSchemaMismatch{Doc: doc, Version: probe.SchemaVersion, Reason: "unknown major schema version"}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return fmt.Errorf("schemacheck: %s: decode: %w", doc, err)
	}
	if err := sch.Validate(v); err != nil {
		return &ErrSchemaMismatch{Doc: doc, Version: probe.SchemaVersion, Reason: err.Error()}
	}
	return nil
}
