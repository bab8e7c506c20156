package config

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v3"
)

type format string

const (
	formatJSON format = "json"
	formatYAML format = "yaml"
)

// formatOf picks the decoder from the file extension. Anything that is not
// .yaml or .yml is read as JSON.
func formatOf(path string) format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return formatYAML
	}
	return formatJSON
}

// yamlToJSON re-encodes a YAML document as JSON, so both formats share the
// strict JSON decoder. An empty document becomes an empty object.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml unmarshal: %w", err)
	}
	if len(doc.Content) == 0 {
		return []byte("{}"), nil
	}
	tree, err := plain(doc.Content[0])
	if err != nil {
		return nil, err
	}
	return json.Marshal(tree)
}

// plain converts a node into maps, slices and scalars. Mapping keys are kept
// as their source text.
func plain(n *yaml.Node) (any, error) {
	switch n.Kind {
	case yaml.AliasNode:
		return plain(n.Alias)
	case yaml.MappingNode:
		m := make(map[string]any, len(n.Content)/2)
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := plain(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			m[n.Content[i].Value] = v
		}
		return m, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(n.Content))
		for _, c := range n.Content {
			v, err := plain(c)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	}
	var v any
	if err := n.Decode(&v); err != nil {
		return nil, fmt.Errorf("yaml line %d: %w", n.Line, err)
	}
	return v, nil
}

// durationField parses the Go duration string of the named field. Empty and
// zero values give def; negative values are rejected.
func durationField(field, raw string, def time.Duration) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	switch {
	case err != nil:
		return 0, fmt.Errorf("%s: %w", field, err)
	case d < 0:
		return 0, fmt.Errorf("%s: negative duration %s", field, raw)
	case d == 0:
		return def, nil
	}
	return d, nil
}
