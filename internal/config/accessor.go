package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// tree renders cfg as the nested map its JSON form describes, so paths
// follow the same camelCase keys as the config file.
func tree(cfg *Config) (map[string]any, error) {
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// lookup walks path through m and returns the map holding its last key.
func lookup(m map[string]any, path string) (map[string]any, string, error) {
	parts := strings.Split(path, ".")
	for i, key := range parts[:len(parts)-1] {
		next, ok := m[key].(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("unknown config section %q", strings.Join(parts[:i+1], "."))
		}
		m = next
	}
	last := parts[len(parts)-1]
	if _, ok := m[last]; !ok {
		return nil, "", fmt.Errorf("unknown config key %q", path)
	}
	return m, last, nil
}

// GetByPath returns the value at a dot path such as "server.port". A
// section path returns the whole section.
func GetByPath(cfg *Config, path string) (any, error) {
	m, err := tree(cfg)
	if err != nil {
		return nil, err
	}
	parent, key, err := lookup(m, path)
	if err != nil {
		return nil, err
	}
	return parent[key], nil
}

// SetByPath assigns value to an existing leaf. Strings are read as YAML
// scalars, so "false" and "8" land as a bool and a number. The caller
// validates before saving.
func SetByPath(cfg *Config, path string, value any) error {
	m, err := tree(cfg)
	if err != nil {
		return err
	}
	parent, key, err := lookup(m, path)
	if err != nil {
		return err
	}
	if _, section := parent[key].(map[string]any); section {
		return fmt.Errorf("%q is a section, set one of its keys", path)
	}
	parent[key] = scalar(value)

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}
	var next Config
	if err := json.Unmarshal(data, &next); err != nil {
		return fmt.Errorf("set %s: %w", path, err)
	}
	*cfg = next
	return nil
}

func scalar(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	var out any
	if err := yaml.Unmarshal([]byte(s), &out); err != nil {
		return s
	}
	switch out.(type) {
	case bool, int, float64:
		return out
	}
	return s
}

// Sanitize returns a copy of the config with credentials masked.
func Sanitize(cfg *Config) *Config {
	c := *cfg
	for _, secret := range []*string{
		&c.Auth.Secret,
		&c.Relay.Password,
		&c.Resume.Webhook.Token,
		&c.FollowUp.Telegram.Token,
		&c.FollowUp.Slack.BotToken,
		&c.FollowUp.Discord.Token,
		&c.FollowUp.WhatsApp.AccessToken,
	} {
		if *secret != "" {
			*secret = mask(*secret)
		}
	}
	return &c
}

// mask keeps the first and last four characters of long secrets.
func mask(s string) string {
	if len(s) <= 8 {
		return "***"
	}
	return s[:4] + "****" + s[len(s)-4:]
}

// ListPaths maps every leaf path to its current value.
func ListPaths(cfg *Config) map[string]any {
	m, err := tree(cfg)
	if err != nil {
		return nil
	}
	out := make(map[string]any)
	var walk func(prefix string, m map[string]any)
	walk = func(prefix string, m map[string]any) {
		for k, v := range m {
			if sub, ok := v.(map[string]any); ok {
				walk(prefix+k+".", sub)
				continue
			}
			out[prefix+k] = v
		}
	}
	walk("", m)
	return out
}

