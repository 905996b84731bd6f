package remote

import (
	"encoding/json"
	"reflect"
	"sort"
	"testing"
)

func TestValueUnmarshalScalars(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want string
	}{
		{"string", `"Jane Doe"`, "Jane Doe"},
		{"integer", `63`, "63"},
		{"float with zero fraction", `63.0`, "63"},
		{"float", `63.5`, "63.5"},
		{"bool", `true`, "true"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var v Value
			if err := json.Unmarshal([]byte(tc.raw), &v); err != nil {
				t.Fatalf("unmarshal %s: %v", tc.raw, err)
			}
			if v.IsZero() || v.IsList() {
				t.Fatalf("expected set scalar, got zero=%v list=%v", v.IsZero(), v.IsList())
			}
			if v.Scalar() != tc.want {
				t.Fatalf("expected %q, got %q", tc.want, v.Scalar())
			}
		})
	}
}

func TestValueUnmarshalNull(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`null`), &v); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !v.IsZero() {
		t.Fatalf("null should decode to the zero value")
	}
}

func TestValueUnmarshalList(t *testing.T) {
	var v Value
	if err := json.Unmarshal([]byte(`["a@x.test", 7, true]`), &v); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if !v.IsList() {
		t.Fatalf("expected list value")
	}
	if got := v.Items(); !reflect.DeepEqual(got, []string{"a@x.test", "7", "true"}) {
		t.Fatalf("unexpected items: %v", got)
	}
	// First-element-wins collapse.
	if v.Scalar() != "a@x.test" {
		t.Fatalf("expected first element, got %q", v.Scalar())
	}
	var empty Value
	if err := json.Unmarshal([]byte(`[]`), &empty); err != nil {
		t.Fatalf("unmarshal empty list: %v", err)
	}
	if empty.Scalar() != "" {
		t.Fatalf("empty list should collapse to empty string")
	}
}

func TestValueEqualAcrossJSONRoundTrip(t *testing.T) {
	var a, b Value
	if err := json.Unmarshal([]byte(`63`), &a); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal([]byte(`63.0`), &b); err != nil {
		t.Fatal(err)
	}
	if !a.Equal(b) {
		t.Fatalf("63 and 63.0 should be equal after normalization")
	}
	if String("x").Equal(List("x")) {
		t.Fatalf("scalar and list must not compare equal")
	}
}

func TestValueMarshalRoundTrip(t *testing.T) {
	out, err := json.Marshal(map[string]Value{
		"name":  String("Jane"),
		"mails": List("a@x.test", "b@x.test"),
		"unset": {},
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]Value
	if err := json.Unmarshal(out, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !decoded["name"].Equal(String("Jane")) {
		t.Fatalf("name did not round trip: %v", decoded["name"])
	}
	if !decoded["mails"].Equal(List("a@x.test", "b@x.test")) {
		t.Fatalf("mails did not round trip: %v", decoded["mails"])
	}
	if !decoded["unset"].IsZero() {
		t.Fatalf("unset value should round trip as null")
	}
}

func TestChangedFields(t *testing.T) {
	previous := map[string]Value{
		"name":  String("Jane"),
		"phone": String("111"),
		"stage": String("new"),
	}
	current := map[string]Value{
		"name":  String("Jane"),
		"phone": String("222"),
		"email": String("jane@x.test"),
	}
	changed := ChangedFields(current, previous)
	sort.Strings(changed)
	want := []string{"email", "phone", "stage"}
	if !reflect.DeepEqual(changed, want) {
		t.Fatalf("expected %v, got %v", want, changed)
	}
	if got := ChangedFields(previous, previous); len(got) != 0 {
		t.Fatalf("identical maps should report no changes, got %v", got)
	}
}

func TestFieldsEqual(t *testing.T) {
	a := map[string]Value{"name": String("Jane"), "mails": List("a@x.test")}
	b := map[string]Value{"name": String("Jane"), "mails": List("a@x.test")}
	if !FieldsEqual(a, b) {
		t.Fatalf("expected equal field maps")
	}
	b["mails"] = List("b@x.test")
	if FieldsEqual(a, b) {
		t.Fatalf("expected differing field maps")
	}
}
