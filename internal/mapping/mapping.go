// Package mapping holds the injectable field-transform configuration: which
// source fields map to which destination fields for each stream, how
// enumerated values translate, and how the category/stage pair is kept
// consistent. The tables live in a JSON file so operators can adjust them
// without a rebuild; see Watcher for hot reload.
package mapping

import (
	"fmt"
	"strings"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

// Config is the full mapping document, keyed by stream id.
type Config struct {
	Streams map[string]*StreamMapping `json:"streams"`
}

// StreamMapping describes one direction of synchronization for one stream.
// All field names on the right-hand side (naturalKey, enums, category, stage,
// backReferenceField) are destination-system names.
type StreamMapping struct {
	// NaturalKey is the destination field used to find an existing
	// counterpart when no id association exists.
	NaturalKey string `json:"naturalKey"`
	// ForeignIDField names the source field that may carry the
	// counterpart's id directly (the fast path).
	ForeignIDField string `json:"foreignIdField,omitempty"`
	// BackReferenceField is set to the source record's id on create so
	// future fast-path lookups succeed.
	BackReferenceField string `json:"backReferenceField,omitempty"`
	// Fields maps source field names to destination field names.
	Fields map[string]string `json:"fields"`
	// ScalarFields lists destination fields that only accept a single
	// value; list-valued sources collapse to their first element.
	ScalarFields []string `json:"scalarFields,omitempty"`
	// Enums re-maps enumerated values per destination field, with a
	// default for values absent from the table.
	Enums map[string]EnumMapping `json:"enums,omitempty"`
	// CategoryField/StageField/Categories implement the category-change
	// rule: when the category changes, the stage is forced to the new
	// category's first defined stage.
	CategoryField string              `json:"categoryField,omitempty"`
	StageField    string              `json:"stageField,omitempty"`
	Categories    map[string][]string `json:"categories,omitempty"`
}

// EnumMapping translates raw enumerated values (often numeric ids on the
// wire) to destination labels.
type EnumMapping struct {
	Values  map[string]string `json:"values"`
	Default string            `json:"default,omitempty"`
}

// Validate checks cross-field consistency that the JSON schema cannot
// express.
func (c *Config) Validate() error {
	if c == nil || len(c.Streams) == 0 {
		return fmt.Errorf("mapping config has no streams")
	}
	for streamID, stream := range c.Streams {
		if stream == nil {
			return fmt.Errorf("stream %q: empty mapping", streamID)
		}
		if strings.TrimSpace(stream.NaturalKey) == "" {
			return fmt.Errorf("stream %q: naturalKey is required", streamID)
		}
		if len(stream.Fields) == 0 {
			return fmt.Errorf("stream %q: fields table is empty", streamID)
		}
		if (stream.CategoryField == "") != (stream.StageField == "") {
			return fmt.Errorf("stream %q: categoryField and stageField must be set together", streamID)
		}
		if stream.CategoryField != "" && len(stream.Categories) == 0 {
			return fmt.Errorf("stream %q: categories table is required with categoryField", streamID)
		}
		for category, stages := range stream.Categories {
			if len(stages) == 0 {
				return fmt.Errorf("stream %q: category %q has no stages", streamID, category)
			}
		}
	}
	return nil
}

// Stream returns the mapping for streamID, or nil.
func (c *Config) Stream(streamID string) *StreamMapping {
	if c == nil {
		return nil
	}
	return c.Streams[streamID]
}

// FirstStage returns the entry stage of a category.
func (m *StreamMapping) FirstStage(category string) (string, bool) {
	if m == nil {
		return "", false
	}
	stages, ok := m.Categories[category]
	if !ok || len(stages) == 0 {
		return "", false
	}
	return stages[0], true
}

func (m *StreamMapping) stageBelongs(category, stage string) bool {
	for _, s := range m.Categories[category] {
		if s == stage {
			return true
		}
	}
	return false
}

func (m *StreamMapping) isScalar(destField string) bool {
	for _, name := range m.ScalarFields {
		if name == destField {
			return true
		}
	}
	return false
}

// Apply transforms a source field set into the destination field set.
// previous may be nil (poll path); when present (webhook path) it is the
// prior source snapshot and drives category-change detection. The steps run
// in a fixed order: rename, enum re-mapping with default fallback, scalar
// collapse, and last the category/stage rule: detection of a category
// change always precedes, and overrides, any accompanying stage value.
func (m *StreamMapping) Apply(current, previous map[string]remote.Value) map[string]remote.Value {
	if m == nil {
		return nil
	}
	out := m.project(current)

	if m.CategoryField != "" {
		category := out[m.CategoryField].Scalar()
		if category != "" {
			forced := false
			if previous != nil {
				prevCategory := m.project(previous)[m.CategoryField].Scalar()
				if prevCategory != "" && prevCategory != category {
					forced = true
				}
			}
			// A stage that does not belong to the record's category is
			// the same inconsistency a missed category change produces.
			stage := out[m.StageField].Scalar()
			if !forced && stage != "" && !m.stageBelongs(category, stage) {
				forced = true
			}
			if forced {
				if first, ok := m.FirstStage(category); ok {
					out[m.StageField] = remote.String(first)
				}
			}
		}
	}
	return out
}

// project performs rename, enum re-mapping and scalar collapse, without the
// category/stage rule.
func (m *StreamMapping) project(fields map[string]remote.Value) map[string]remote.Value {
	out := make(map[string]remote.Value, len(fields))
	for src, dst := range m.Fields {
		value, ok := fields[src]
		if !ok || value.IsZero() {
			continue
		}
		if enum, hasEnum := m.Enums[dst]; hasEnum {
			value = enum.apply(value)
		}
		if m.isScalar(dst) && value.IsList() {
			value = remote.String(value.Scalar())
		}
		out[dst] = value
	}
	return out
}

func (e EnumMapping) apply(value remote.Value) remote.Value {
	translate := func(raw string) string {
		if mapped, ok := e.Values[raw]; ok {
			return mapped
		}
		if e.Default != "" {
			return e.Default
		}
		return raw
	}
	if value.IsList() {
		items := value.Items()
		mapped := make([]string, len(items))
		for i, item := range items {
			mapped[i] = translate(item)
		}
		return remote.List(mapped...)
	}
	return remote.String(translate(value.Scalar()))
}
