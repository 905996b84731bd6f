package mapping

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema validates the structural shape of the mapping document before
// it is decoded. Semantic rules live in Config.Validate.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["streams"],
  "properties": {
    "streams": {
      "type": "object",
      "minProperties": 1,
      "additionalProperties": {
        "type": "object",
        "required": ["naturalKey", "fields"],
        "properties": {
          "naturalKey": {"type": "string", "minLength": 1},
          "foreignIdField": {"type": "string"},
          "backReferenceField": {"type": "string"},
          "fields": {
            "type": "object",
            "minProperties": 1,
            "additionalProperties": {"type": "string", "minLength": 1}
          },
          "scalarFields": {"type": "array", "items": {"type": "string"}},
          "enums": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "required": ["values"],
              "properties": {
                "values": {
                  "type": "object",
                  "additionalProperties": {"type": "string"}
                },
                "default": {"type": "string"}
              }
            }
          },
          "categoryField": {"type": "string"},
          "stageField": {"type": "string"},
          "categories": {
            "type": "object",
            "additionalProperties": {
              "type": "array",
              "items": {"type": "string"},
              "minItems": 1
            }
          }
        }
      }
    }
  }
}`

// Load reads, schema-validates and decodes a mapping file.
func Load(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("mapping path is required")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mapping file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a mapping document from raw JSON.
func Parse(data []byte) (*Config, error) {
	if err := validateSchema(data); err != nil {
		return nil, fmt.Errorf("mapping schema: %w", err)
	}
	var cfg Config
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode mapping: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validateSchema(data []byte) error {
	schemaDoc, err := jsonschema.UnmarshalJSON(strings.NewReader(configSchema))
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("mapping.schema.json", schemaDoc); err != nil {
		return err
	}
	schema, err := compiler.Compile("mapping.schema.json")
	if err != nil {
		return err
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
