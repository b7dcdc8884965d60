package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"

	"github.com/newhook/zftl/ftl"
)

// loadGeometry reads a geometry TOML, falling back to the built-in
// defaults when no path is given. Fields missing from the file keep
// their defaults.
func loadGeometry(path string) (ftl.Geometry, error) {
	geom := ftl.Default()
	if path == "" {
		return geom, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return geom, fmt.Errorf("reading geometry: %w", err)
	}
	if err := toml.Unmarshal(data, &geom); err != nil {
		return geom, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := geom.Validate(); err != nil {
		return geom, err
	}
	return geom, nil
}
