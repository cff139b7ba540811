// Package models embeds a small catalog of example ODE models
package models

import (
	"embed"
	"fmt"
	"path"
	"sort"
	"strings"

	"odecl/core"
)

//go:embed *.yaml
var files embed.FS

// Names lists the built-in models, sorted
func Names() []string {
	entries, _ := files.ReadDir(".")
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), path.Ext(e.Name())))
	}
	sort.Strings(names)
	return names
}

// Get parses a built-in model by name
func Get(name string) (core.ModelSpec, error) {
	data, err := files.ReadFile(name + ".yaml")
	if err != nil {
		return core.ModelSpec{}, fmt.Errorf("unknown model %q (have %s)", name, strings.Join(Names(), ", "))
	}
	spec, err := core.ParseModel(data, "yaml")
	if err != nil {
		return core.ModelSpec{}, fmt.Errorf("model %s: %w", name, err)
	}
	if spec.Name == "" {
		spec.Name = name
	}
	return spec, nil
}
