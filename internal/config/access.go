package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path.
// "worker:<id>" addresses the effective settings of one worker, "worker:*"
// all of them.
func (c *Config) GetPath(path string) (any, error) {
	if strings.Contains(path, ":") {
		return c.GetEntity(path)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}

	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return getValue(m, path)
}

// GetEntity retrieves an addressed entity by type:name.
func (c *Config) GetEntity(address string) (any, error) {
	parts := strings.SplitN(address, ":", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("invalid entity address format %q (expected type:name)", address)
	}

	entityType, name := parts[0], parts[1]
	switch entityType {
	case "worker":
		if name == "*" {
			return c.AllWorkers(), nil
		}
		id, err := strconv.Atoi(name)
		if err != nil {
			return nil, fmt.Errorf("worker id %q is not a number", name)
		}
		if id < 0 || id >= c.Pool.Count {
			return nil, fmt.Errorf("worker %d not found (pool has %d)", id, c.Pool.Count)
		}
		return c.Worker(id), nil
	default:
		return nil, fmt.Errorf("unsupported entity type %q", entityType)
	}
}

func getValue(m map[string]any, path string) (any, error) {
	parts := strings.Split(path, ".")
	var current any = m

	for _, part := range parts {
		if part == "" {
			continue
		}

		m, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}

		val, exists := m[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}

	return current, nil
}

func findNode(node *yaml.Node, path string, create bool) (*yaml.Node, error) {
	parts := strings.Split(path, ".")
	current := node

	for _, part := range parts {
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("not a mapping node")
		}

		found := false
		for i := 0; i < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				current = current.Content[i+1]
				found = true
				break
			}
		}

		if !found {
			if !create {
				return nil, fmt.Errorf("key %q not found", part)
			}
			keyNode := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}
			valueNode := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content, keyNode, valueNode)
			current = valueNode
		}
	}

	return current, nil
}

// SetPath sets a scalar in the source document. With persist the file is
// rewritten atomically, but only if the result still loads.
func (c *Config) SetPath(path, value string, persist bool) error {
	if strings.Contains(path, ":") {
		return fmt.Errorf("entity addresses are read-only; set pool.* or edit workers[] instead")
	}
	if c.source == nil || len(c.source.Content) == 0 {
		return fmt.Errorf("no configuration source loaded")
	}

	// Work on a copy so a rejected value leaves the loaded document intact.
	raw, err := yaml.Marshal(c.source)
	if err != nil {
		return err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return err
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return fmt.Errorf("config root is not a mapping")
	}

	target, err := findNode(root, path, true)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Value = value
	target.Tag = guessTag(value)
	target.Content = nil

	candidate, err := yaml.Marshal(&doc)
	if err != nil {
		return err
	}
	if _, err := Parse(candidate); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}
	c.source = &doc

	if !persist {
		return nil
	}
	return c.persist(candidate)
}

func (c *Config) persist(candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(c.SourcePath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := renameio.WriteFile(c.SourcePath, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	return nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	if _, err := strconv.Atoi(v); err == nil {
		return "!!int"
	}
	if _, err := strconv.ParseFloat(v, 64); err == nil {
		return "!!float"
	}
	return "!!str"
}
