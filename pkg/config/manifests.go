package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/SunFlash12/ForgeV3-sub008/pkg/overlay"
)

// LoadManifestDir reads every *.yaml overlay manifest under dir, validating
// each against the manifest schema before decoding. Results are sorted by
// overlay id so registration order is stable across boots.
func LoadManifestDir(dir string) ([]*overlay.Manifest, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	more, err := filepath.Glob(filepath.Join(dir, "*.yml"))
	if err != nil {
		return nil, err
	}
	matches = append(matches, more...)

	manifests := make([]*overlay.Manifest, 0, len(matches))
	seen := make(map[string]string)
	for _, path := range matches {
		m, err := LoadManifest(path)
		if err != nil {
			return nil, err
		}
		if prev, dup := seen[m.ID]; dup {
			return nil, fmt.Errorf("manifest %s: overlay id %q already declared in %s", path, m.ID, prev)
		}
		seen[m.ID] = path
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool { return manifests[i].ID < manifests[j].ID })
	return manifests, nil
}

// LoadManifest reads one overlay manifest YAML.
func LoadManifest(path string) (*overlay.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	// Schema check runs on the generic document so unknown fields are caught
	// before they silently disappear into the typed decode.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	if err := overlay.ValidateRaw(doc); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}

	var m overlay.Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest %s: %w", path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return &m, nil
}
