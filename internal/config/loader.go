package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// includeKey names other files merged underneath the current one. Later
// includes override earlier ones and the including file overrides them all.
const includeKey = "$include"

// LoadRaw reads path and its includes into one merged map with environment
// references expanded.
func LoadRaw(path string) (map[string]any, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	return loadFile(path, nil)
}

func loadFile(path string, chain []string) (map[string]any, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	for _, p := range chain {
		if p == abs {
			return nil, fmt.Errorf("config include cycle: %s -> %s", strings.Join(chain, " -> "), abs)
		}
	}
	chain = append(chain, abs)

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	doc, err := parseDocument([]byte(expandEnv(string(data))), abs)
	if err != nil {
		return nil, err
	}

	includes, err := popIncludes(doc)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", abs, err)
	}
	merged := map[string]any{}
	for _, inc := range includes {
		if !filepath.IsAbs(inc) {
			inc = filepath.Join(filepath.Dir(abs), inc)
		}
		sub, err := loadFile(inc, chain)
		if err != nil {
			return nil, err
		}
		deepMerge(merged, sub)
	}
	deepMerge(merged, doc)
	return merged, nil
}

// expandEnv replaces $VAR and ${VAR} with the environment value.
// ${VAR:-fallback} uses fallback when VAR is unset or empty.
func expandEnv(s string) string {
	return os.Expand(s, func(name string) string {
		key, fallback, hasFallback := strings.Cut(name, ":-")
		if v := os.Getenv(key); v != "" || !hasFallback {
			return v
		}
		return fallback
	})
}

func parseDocument(data []byte, source string) (map[string]any, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	doc := map[string]any{}
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: %w", source, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%s: expected a single YAML document", source)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	return doc, nil
}

func popIncludes(doc map[string]any) ([]string, error) {
	v, ok := doc[includeKey]
	if !ok {
		return nil, nil
	}
	delete(doc, includeKey)

	switch typed := v.(type) {
	case nil:
		return nil, nil
	case string:
		return nonBlank([]string{typed}), nil
	case []any:
		paths := make([]string, 0, len(typed))
		for _, entry := range typed {
			s, ok := entry.(string)
			if !ok {
				return nil, fmt.Errorf("%s entries must be strings, got %T", includeKey, entry)
			}
			paths = append(paths, s)
		}
		return nonBlank(paths), nil
	default:
		return nil, fmt.Errorf("%s must be a path or a list of paths", includeKey)
	}
}

func nonBlank(paths []string) []string {
	out := paths[:0]
	for _, p := range paths {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// deepMerge copies src into dst. Nested maps merge key by key; any other
// value, lists included, replaces what dst held.
func deepMerge(dst, src map[string]any) {
	for k, v := range src {
		srcMap, srcIsMap := v.(map[string]any)
		dstMap, dstIsMap := dst[k].(map[string]any)
		if srcIsMap && dstIsMap {
			deepMerge(dstMap, srcMap)
			continue
		}
		dst[k] = v
	}
}

// decodeRawConfig decodes the merged map strictly: unknown keys are errors.
func decodeRawConfig(raw map[string]any) (*Config, error) {
	payload, err := yaml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(payload))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
