package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// secretPaths are removed from the lookup tree handed to plugins.
var secretPaths = [][]string{
	{"misskey", "access_token"},
	{"provider", "api_key"},
	{"server", "token"},
}

// buildTree snapshots the effective configuration as a generic map for
// dotted-key lookup.
func (c *Config) buildTree() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}
	tree := map[string]interface{}{}
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("snapshot config: %w", err)
	}
	for _, p := range secretPaths {
		parent := tree
		for _, seg := range p[:len(p)-1] {
			next, ok := parent[seg].(map[string]interface{})
			if !ok {
				parent = nil
				break
			}
			parent = next
		}
		if parent != nil {
			delete(parent, p[len(p)-1])
		}
	}
	c.treeMu.Lock()
	c.tree = tree
	c.treeMu.Unlock()
	return nil
}

func (c *Config) snapshot() map[string]interface{} {
	c.treeMu.Lock()
	tree := c.tree
	c.treeMu.Unlock()
	if tree != nil {
		return tree
	}
	if err := c.buildTree(); err != nil {
		return nil
	}
	c.treeMu.Lock()
	defer c.treeMu.Unlock()
	return c.tree
}

// Lookup returns the value at a dotted path such as "bot.auto_post.prompt"
// or "plugins.topics.list". Secrets are never returned.
func (c *Config) Lookup(path string) (interface{}, bool) {
	tree := c.snapshot()
	if tree == nil {
		return nil, false
	}
	var cur interface{} = tree
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// LookupString returns the string at path, or def.
func (c *Config) LookupString(path, def string) string {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// LookupInt returns the integer at path, or def.
func (c *Config) LookupInt(path string, def int) int {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	if n, ok := toInt(v); ok {
		return n
	}
	return def
}

// LookupBool returns the boolean at path, or def.
func (c *Config) LookupBool(path string, def bool) bool {
	v, ok := c.Lookup(path)
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}

// LookupStrings returns the string list at path. Non-string items are
// skipped.
func (c *Config) LookupStrings(path string) []string {
	v, ok := c.Lookup(path)
	if !ok {
		return nil
	}
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// PluginEnabled reports the configured enablement of plugin name. set is
// false when the config does not mention it.
func (c *Config) PluginEnabled(name string) (enabled, set bool) {
	section, ok := c.Plugins[name]
	if !ok {
		return false, false
	}
	b, ok := section["enabled"].(bool)
	return b, ok
}

// PluginPriority reports the configured priority of plugin name.
func (c *Config) PluginPriority(name string) (priority int, set bool) {
	section, ok := c.Plugins[name]
	if !ok {
		return 0, false
	}
	v, ok := section["priority"]
	if !ok {
		return 0, false
	}
	return toInt(v)
}

func toInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		if n == float64(int(n)) {
			return int(n), true
		}
	}
	return 0, false
}

// Refresh rebuilds the lookup snapshot after the struct was modified in code.
func (c *Config) Refresh() error { return c.buildTree() }
