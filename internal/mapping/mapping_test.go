package mapping

import (
	"testing"

	"github.com/agentworkforce/crmbridge/internal/remote"
)

func dealMapping() *StreamMapping {
	return &StreamMapping{
		NaturalKey:         "Name",
		ForeignIDField:     "collab_record_id",
		BackReferenceField: "Ledger ID",
		Fields: map[string]string{
			"title":    "Name",
			"phone":    "Phone",
			"emails":   "Email",
			"priority": "Priority",
			"pipeline": "Pipeline",
			"stage":    "Stage",
		},
		ScalarFields: []string{"Email"},
		Enums: map[string]EnumMapping{
			"Priority": {
				Values:  map[string]string{"1": "Low", "2": "Medium", "3": "High"},
				Default: "Medium",
			},
		},
		CategoryField: "Pipeline",
		StageField:    "Stage",
		Categories: map[string][]string{
			"Sales":   {"Incoming", "Quoted", "Won"},
			"Service": {"Scheduled", "Done"},
		},
	}
}

func TestApplyRenamesAndSkipsUnsetFields(t *testing.T) {
	m := dealMapping()
	out := m.Apply(map[string]remote.Value{
		"title":   remote.String("Roof repair"),
		"phone":   {},
		"ignored": remote.String("nope"),
	}, nil)
	if out["Name"].Scalar() != "Roof repair" {
		t.Fatalf("rename failed: %v", out)
	}
	if _, ok := out["Phone"]; ok {
		t.Fatalf("unset source value must not project")
	}
	if len(out) != 1 {
		t.Fatalf("unexpected projection %v", out)
	}
}

func TestApplyEnumTranslation(t *testing.T) {
	m := dealMapping()
	out := m.Apply(map[string]remote.Value{"priority": remote.String("3")}, nil)
	if out["Priority"].Scalar() != "High" {
		t.Fatalf("expected High, got %q", out["Priority"].Scalar())
	}
	// Unknown raw values fall back to the configured default.
	out = m.Apply(map[string]remote.Value{"priority": remote.String("42")}, nil)
	if out["Priority"].Scalar() != "Medium" {
		t.Fatalf("expected default Medium, got %q", out["Priority"].Scalar())
	}
}

func TestApplyScalarCollapse(t *testing.T) {
	m := dealMapping()
	out := m.Apply(map[string]remote.Value{
		"emails": remote.List("first@x.test", "second@x.test"),
	}, nil)
	email := out["Email"]
	if email.IsList() {
		t.Fatalf("scalar destination must collapse lists")
	}
	if email.Scalar() != "first@x.test" {
		t.Fatalf("expected first element, got %q", email.Scalar())
	}
}

func TestApplyCategoryChangeForcesFirstStage(t *testing.T) {
	m := dealMapping()
	current := map[string]remote.Value{
		"pipeline": remote.String("Service"),
		"stage":    remote.String("Won"),
	}
	previous := map[string]remote.Value{
		"pipeline": remote.String("Sales"),
		"stage":    remote.String("Won"),
	}
	out := m.Apply(current, previous)
	if out["Stage"].Scalar() != "Scheduled" {
		t.Fatalf("category change must reset to first stage, got %q", out["Stage"].Scalar())
	}
}

func TestApplyForeignStageForcesFirstStage(t *testing.T) {
	m := dealMapping()
	// No previous snapshot, but the stage does not belong to the category.
	out := m.Apply(map[string]remote.Value{
		"pipeline": remote.String("Service"),
		"stage":    remote.String("Quoted"),
	}, nil)
	if out["Stage"].Scalar() != "Scheduled" {
		t.Fatalf("foreign stage must reset to first stage, got %q", out["Stage"].Scalar())
	}
}

func TestApplyKeepsConsistentStage(t *testing.T) {
	m := dealMapping()
	current := map[string]remote.Value{
		"pipeline": remote.String("Sales"),
		"stage":    remote.String("Quoted"),
	}
	out := m.Apply(current, current)
	if out["Stage"].Scalar() != "Quoted" {
		t.Fatalf("consistent stage must be preserved, got %q", out["Stage"].Scalar())
	}
}

func TestValidate(t *testing.T) {
	valid := &Config{Streams: map[string]*StreamMapping{"deals": dealMapping()}}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := []struct {
		name   string
		mutate func(*StreamMapping)
	}{
		{"missing natural key", func(m *StreamMapping) { m.NaturalKey = " " }},
		{"empty fields", func(m *StreamMapping) { m.Fields = nil }},
		{"category without stage", func(m *StreamMapping) { m.StageField = "" }},
		{"category without table", func(m *StreamMapping) { m.Categories = nil }},
		{"category with no stages", func(m *StreamMapping) { m.Categories = map[string][]string{"Sales": {}} }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := dealMapping()
			tc.mutate(m)
			cfg := &Config{Streams: map[string]*StreamMapping{"deals": m}}
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestFirstStage(t *testing.T) {
	m := dealMapping()
	stage, ok := m.FirstStage("Sales")
	if !ok || stage != "Incoming" {
		t.Fatalf("expected Incoming, got %q ok=%v", stage, ok)
	}
	if _, ok := m.FirstStage("Unknown"); ok {
		t.Fatalf("unknown category must not resolve")
	}
}
