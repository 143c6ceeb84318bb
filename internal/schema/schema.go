// Package schema resolves logical field names to the physical keys carried by
// raw payload rows, driven by the source schema configuration file.
package schema

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/viper"
)

// Source describes the binding configuration for one source dataset.
type Source struct {
	FieldMap       map[string]string `mapstructure:"field_map"`
	RequiredFields []string          `mapstructure:"required_fields"`
}

// Config is the parsed source schema configuration.
type Config struct {
	Sources map[string]Source `mapstructure:"sources"`
}

// LoadConfig reads and validates the source schema configuration file.
func LoadConfig(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("read source schema %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse source schema %s: %w", path, err)
	}
	if cfg.Sources == nil {
		return Config{}, fmt.Errorf("source schema %s missing object key 'sources'", path)
	}
	return cfg, nil
}

// Binder resolves logical keys against raw payload rows for one source.
type Binder struct {
	sourceName string
	fieldMap   map[string]string
	required   []string
}

// NewBinder validates the source block and returns a Binder for it. Every
// required field must be present in the field map.
func (c Config) NewBinder(sourceName string) (*Binder, error) {
	src, ok := c.Sources[sourceName]
	if !ok {
		return nil, fmt.Errorf("source schema missing source block: %s", sourceName)
	}
	if src.FieldMap == nil {
		return nil, fmt.Errorf("source schema source %s missing field_map object", sourceName)
	}
	if src.RequiredFields == nil {
		return nil, fmt.Errorf("source schema source %s missing required_fields list", sourceName)
	}
	for _, field := range src.RequiredFields {
		if _, ok := src.FieldMap[field]; !ok {
			return nil, fmt.Errorf(
				"source schema required field '%s' missing from field_map for %s", field, sourceName)
		}
	}
	return &Binder{
		sourceName: sourceName,
		fieldMap:   src.FieldMap,
		required:   append([]string(nil), src.RequiredFields...),
	}, nil
}

// SourceName returns the source this binder was built for.
func (b *Binder) SourceName() string {
	return b.sourceName
}

// MappedKey returns the configured physical key for a logical key, or "".
func (b *Binder) MappedKey(logicalKey string) string {
	return b.fieldMap[logicalKey]
}

// Identifier pair fields have drifted across historical extracts; all three
// naming conventions are accepted.
var legacyAliases = map[string][]string{
	"id_1":         {"identifier_1", "left_id"},
	"id_2":         {"identifier_2", "right_id"},
	"identifier_1": {"id_1", "left_id"},
	"identifier_2": {"id_2", "right_id"},
	"left_id":      {"id_1", "identifier_1"},
	"right_id":     {"id_2", "identifier_2"},
}

// candidates lists the physical key names tried for a logical key: the mapped
// name, the logical name itself, legacy aliases, each in original, lower and
// upper case, deduplicated in order.
func (b *Binder) candidates(logicalKey string) []string {
	var names []string
	if mapped := b.fieldMap[logicalKey]; mapped != "" {
		names = append(names, mapped)
	}
	names = append(names, logicalKey)
	names = append(names, legacyAliases[logicalKey]...)

	var expanded []string
	for _, name := range names {
		expanded = append(expanded, name, strings.ToLower(name), strings.ToUpper(name))
	}

	seen := make(map[string]struct{}, len(expanded))
	deduped := expanded[:0]
	for _, name := range expanded {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		deduped = append(deduped, name)
	}
	return deduped
}

// AssertRequired verifies that every required logical field resolves to a key
// present in the sampled row.
func (b *Binder) AssertRequired(sample map[string]any) error {
	var missing []string
	for _, key := range b.required {
		candidates := b.candidates(key)
		found := false
		for _, candidate := range candidates {
			if _, ok := sample[candidate]; ok {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, strings.Join(candidates, "/"))
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf(
			"Schema mapping unresolved for %s; missing mapped fields in raw rows: %s",
			b.sourceName, strings.Join(missing, ", "))
	}
	return nil
}

// Value resolves a logical key against a row, trying the mapped name, the
// logical name, then case variants and legacy aliases. Returns nil when no
// candidate key is present.
func (b *Binder) Value(row map[string]any, logicalKey string) any {
	for _, candidate := range b.candidates(logicalKey) {
		if value, ok := row[candidate]; ok {
			return value
		}
	}
	return nil
}
