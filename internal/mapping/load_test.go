package mapping

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const validMappingJSON = `{
  "streams": {
    "deals": {
      "naturalKey": "Name",
      "foreignIdField": "collab_record_id",
      "backReferenceField": "Ledger ID",
      "fields": {"title": "Name", "priority": "Priority"},
      "scalarFields": ["Email"],
      "enums": {
        "Priority": {"values": {"1": "Low", "3": "High"}, "default": "Medium"}
      },
      "categoryField": "Pipeline",
      "stageField": "Stage",
      "categories": {"Sales": ["Incoming", "Won"]}
    }
  }
}`

func TestParseValidDocument(t *testing.T) {
	cfg, err := Parse([]byte(validMappingJSON))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	m := cfg.Stream("deals")
	if m == nil {
		t.Fatalf("deals mapping missing")
	}
	if m.NaturalKey != "Name" || m.Fields["title"] != "Name" {
		t.Fatalf("unexpected mapping %+v", m)
	}
	if m.Enums["Priority"].Default != "Medium" {
		t.Fatalf("enum default lost")
	}
	if cfg.Stream("unknown") != nil {
		t.Fatalf("unknown stream should be nil")
	}
}

func TestParseRejectsSchemaViolations(t *testing.T) {
	cases := []struct {
		name string
		doc  string
	}{
		{"no streams key", `{}`},
		{"empty streams", `{"streams": {}}`},
		{"missing naturalKey", `{"streams": {"deals": {"fields": {"a": "b"}}}}`},
		{"empty fields", `{"streams": {"deals": {"naturalKey": "Name", "fields": {}}}}`},
		{"non-string field target", `{"streams": {"deals": {"naturalKey": "Name", "fields": {"a": 1}}}}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.doc)); err == nil {
				t.Fatalf("expected schema rejection")
			}
		})
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	doc := strings.Replace(validMappingJSON, `"naturalKey"`, `"naturalKey": "Name", "typoKey"`, 1)
	if _, err := Parse([]byte(doc)); err == nil {
		t.Fatalf("expected unknown key rejection")
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mapping.json")
	if err := os.WriteFile(path, []byte(validMappingJSON), 0o644); err != nil {
		t.Fatalf("write mapping file: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Stream("deals") == nil {
		t.Fatalf("deals mapping missing after load")
	}
	if _, err := Load(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}
