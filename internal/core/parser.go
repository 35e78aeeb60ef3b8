package core

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed default_pipeline.yaml
var defaultPipelineYAML []byte

// DefaultPipelineYAML returns the built-in definition (cargo fmt, doc, clippy, test)
func DefaultPipelineYAML() []byte {
	return bytes.Clone(defaultPipelineYAML)
}

// DefaultPipeline parses the built-in definition
func DefaultPipeline() *Pipeline {
	p, err := ParsePipeline(defaultPipelineYAML)
	if err != nil {
		panic(fmt.Sprintf("built-in pipeline is invalid: %v", err))
	}
	return p
}

// ParsePipeline parses YAML content into a validated Pipeline.
// Unknown fields are rejected so typos do not silently drop a stage setting.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil {
		return nil, fmt.Errorf("parse pipeline: %w", err)
	}

	pipeline.applyDefaults()
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline %q: %w", pipeline.Name, err)
	}
	return &pipeline, nil
}

// LoadPipeline reads a pipeline file; an empty path yields the built-in definition
func LoadPipeline(path string) (*Pipeline, error) {
	if path == "" {
		return DefaultPipeline(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePipeline(data)
}

// MarshalPipeline renders a definition back to YAML
func MarshalPipeline(p *Pipeline) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(p); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
