package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the manifest looked for when no --file flag is given.
const DefaultFileName = "warden.yaml"

// Load reads a warden manifest from the provided path. The document is
// checked against the embedded JSON schema before the strict typed decode so
// that shape errors carry schema locations rather than decoder internals.
func Load(path string) (*File, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	raw, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var generic map[string]any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("%s: parse: %w", absPath, err)
	}
	if err := validateAgainstSchema(generic); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true)
	var doc File
	if err := decoder.Decode(&doc); err != nil {
		return nil, fmt.Errorf("%s: decode: %w", absPath, err)
	}

	baseDir := filepath.Dir(absPath)
	for name, proc := range doc.Processes {
		if proc == nil {
			continue
		}
		proc.ResolvedWorkdir = resolveWorkdir(baseDir, os.ExpandEnv(proc.Workdir))
		if len(proc.Env) > 0 {
			expanded := make(map[string]string, len(proc.Env))
			for k, v := range proc.Env {
				expanded[k] = os.ExpandEnv(v)
			}
			proc.Env = expanded
		}
		doc.Processes[name] = proc
	}

	if err := doc.ApplyDefaults(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", absPath, err)
	}
	return &doc, nil
}

// LoadOrDefault loads path when it exists; a missing default manifest yields
// an empty document with defaults applied, so `warden up -- cmd` works
// without a config file on disk.
func LoadOrDefault(path string) (*File, error) {
	doc, err := Load(path)
	if err == nil {
		return doc, nil
	}
	if path == DefaultFileName && errors.Is(err, fs.ErrNotExist) {
		doc := &File{Version: "1"}
		if err := doc.ApplyDefaults(); err != nil {
			return nil, err
		}
		return doc, nil
	}
	return nil, err
}

func resolveWorkdir(base, workdir string) string {
	if workdir == "" {
		return ""
	}
	if filepath.IsAbs(workdir) {
		return filepath.Clean(workdir)
	}
	return filepath.Clean(filepath.Join(base, workdir))
}
