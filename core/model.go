// Package core turns differential equation model descriptions into
// data-parallel kernel source.
package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Auxiliary is a named intermediate expression evaluated once per lane
type Auxiliary struct {
	Name string `json:"name" yaml:"name"`
	Expr string `json:"expr" yaml:"expr"`
}

// Derivative pairs a state variable with its time derivative expression
type Derivative struct {
	State string `json:"state" yaml:"state"`
	Expr  string `json:"expr" yaml:"expr"`
}

// ModelSpec describes a differential equation model.
//
// Order matters for Parameters (runtime offsets), Auxiliaries (each may only
// use names defined before it) and StateDerivatives (state offsets).
// A ModelSpec is treated as immutable once handed to the generator.
type ModelSpec struct {
	Name             string             `json:"name,omitempty" yaml:"name,omitempty"`
	Parameters       []string           `json:"parameters" yaml:"parameters"`
	Constants        map[string]float64 `json:"constants,omitempty" yaml:"constants,omitempty"`
	Auxiliaries      []Auxiliary        `json:"auxiliaries,omitempty" yaml:"auxiliaries,omitempty"`
	StateDerivatives []Derivative       `json:"derivatives" yaml:"derivatives"`
}

// IsConstant reports whether the parameter is baked in as a literal
func (m *ModelSpec) IsConstant(name string) bool {
	_, ok := m.Constants[name]
	return ok
}

// RuntimeParameters returns the non-constant parameters in offset order
func (m *ModelSpec) RuntimeParameters() []string {
	out := make([]string, 0, len(m.Parameters))
	for _, name := range m.Parameters {
		if !m.IsConstant(name) {
			out = append(out, name)
		}
	}
	return out
}

// ParameterOffsets maps each runtime parameter to its row in the param buffer
func (m *ModelSpec) ParameterOffsets() map[string]int {
	offsets := make(map[string]int)
	for i, name := range m.RuntimeParameters() {
		offsets[name] = i
	}
	return offsets
}

// States returns state variable names in offset order
func (m *ModelSpec) States() []string {
	out := make([]string, len(m.StateDerivatives))
	for i, d := range m.StateDerivatives {
		out[i] = d.State
	}
	return out
}

// NumStates is the number of rows in the state and deriv buffers
func (m *ModelSpec) NumStates() int { return len(m.StateDerivatives) }

// ParseModel decodes a model description. format is "yaml" or "json".
func ParseModel(data []byte, format string) (ModelSpec, error) {
	var spec ModelSpec
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &spec); err != nil {
			return ModelSpec{}, fmt.Errorf("error parsing model yaml: %w", err)
		}
	case "json":
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&spec); err != nil {
			return ModelSpec{}, fmt.Errorf("error parsing model json: %w", err)
		}
	default:
		return ModelSpec{}, fmt.Errorf("unsupported model format %q", format)
	}
	return spec, nil
}

// LoadModel reads a model description from a .yaml, .yml or .json file
func LoadModel(path string) (ModelSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelSpec{}, err
	}
	format := strings.TrimPrefix(filepath.Ext(path), ".")
	spec, err := ParseModel(data, format)
	if err != nil {
		return ModelSpec{}, fmt.Errorf("%s: %w", path, err)
	}
	if spec.Name == "" {
		spec.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return spec, nil
}
