package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/maruel/jsondb/internal/jsondb"
)

// manifest declares the collections of a data directory.
//
//	collections:
//	  - name: instances
//	    version: "1.0"
//	    id: id
//	    secrets: [privateKey]
type manifest struct {
	Collections []manifestEntry `yaml:"collections"`
}

type manifestEntry struct {
	Name    string   `yaml:"name"`
	Version string   `yaml:"version"`
	ID      string   `yaml:"id"`
	Secrets []string `yaml:"secrets"`
}

func (e *manifestEntry) schema() jsondb.Schema {
	return jsondb.Schema{Collection: e.Name, Version: e.Version, IDField: e.ID, Secrets: e.Secrets}
}

func parseManifest(data []byte) (*manifest, error) {
	m := &manifest{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	seen := map[string]bool{}
	for i, e := range m.Collections {
		if e.Name == "" {
			return nil, fmt.Errorf("manifest entry %d has no name", i)
		}
		if e.Version == "" {
			return nil, fmt.Errorf("manifest entry %q has no version", e.Name)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("manifest declares %q twice", e.Name)
		}
		seen[e.Name] = true
	}
	return m, nil
}

func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the --config flag.
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return parseManifest(data)
}

// discoverManifest builds a manifest from the collection files of dir, each
// declared at the version found in its header.
func discoverManifest(dir string) (*manifest, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &manifest{}, nil
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	m := &manifest{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, ".json") || name == ".json" {
			continue
		}
		version, err := headerVersion(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		m.Collections = append(m.Collections, manifestEntry{Name: strings.TrimSuffix(name, ".json"), Version: version})
	}
	return m, nil
}

// headerVersion returns the schema version of a collection file.
func headerVersion(path string) (string, error) {
	f, err := os.Open(path) //nolint:gosec // G304: path is a file of the data directory.
	if err != nil {
		return "", fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var h struct {
			SchemaVersion string `json:"schemaVersion"`
		}
		if err := json.Unmarshal(line, &h); err != nil || h.SchemaVersion == "" {
			return "", fmt.Errorf("%s has no schema header", path)
		}
		return h.SchemaVersion, nil
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("failed to read %s: %w", path, err)
	}
	return "", fmt.Errorf("%s has no schema header", path)
}
