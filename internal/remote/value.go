package remote

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Value is a field value as delivered by a remote system: either a single
// scalar or a list of scalars. Both systems hand back untyped JSON where the
// same field may arrive as a string, a number, a bool, or a list of any of
// those; Value normalizes all of them to canonical strings so comparison and
// coercion behave the same at every call site.
type Value struct {
	scalar string
	list   []string
	isList bool
	set    bool
}

// String builds a scalar Value.
func String(s string) Value {
	return Value{scalar: s, set: true}
}

// List builds a list Value.
func List(items ...string) Value {
	copied := make([]string, len(items))
	copy(copied, items)
	return Value{list: copied, isList: true, set: true}
}

// IsZero reports whether the value was never set.
func (v Value) IsZero() bool {
	return !v.set
}

// IsList reports whether the remote delivered a list.
func (v Value) IsList() bool {
	return v.isList
}

// Scalar collapses the value to a single scalar. Lists collapse to their
// first element; an empty list collapses to the empty string. This is the
// single coercion rule for scalar destinations.
func (v Value) Scalar() string {
	if v.isList {
		if len(v.list) == 0 {
			return ""
		}
		return v.list[0]
	}
	return v.scalar
}

// Items returns the value as a list. Scalars become a one-element list;
// unset and empty-scalar values become nil.
func (v Value) Items() []string {
	if v.isList {
		copied := make([]string, len(v.list))
		copy(copied, v.list)
		return copied
	}
	if !v.set || v.scalar == "" {
		return nil
	}
	return []string{v.scalar}
}

// Equal compares two values by canonical form.
func (v Value) Equal(other Value) bool {
	if v.set != other.set || v.isList != other.isList {
		return false
	}
	if !v.isList {
		return v.scalar == other.scalar
	}
	if len(v.list) != len(other.list) {
		return false
	}
	for i := range v.list {
		if v.list[i] != other.list[i] {
			return false
		}
	}
	return true
}

func (v Value) MarshalJSON() ([]byte, error) {
	if !v.set {
		return []byte("null"), nil
	}
	if v.isList {
		return json.Marshal(v.list)
	}
	return json.Marshal(v.scalar)
}

func (v *Value) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "null" {
		*v = Value{}
		return nil
	}
	if strings.HasPrefix(trimmed, "[") {
		var raw []json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		items := make([]string, 0, len(raw))
		for _, item := range raw {
			scalar, err := scalarFromJSON(item)
			if err != nil {
				return err
			}
			items = append(items, scalar)
		}
		*v = Value{list: items, isList: true, set: true}
		return nil
	}
	scalar, err := scalarFromJSON(data)
	if err != nil {
		return err
	}
	*v = Value{scalar: scalar, set: true}
	return nil
}

func scalarFromJSON(data []byte) (string, error) {
	trimmed := strings.TrimSpace(string(data))
	switch {
	case trimmed == "null":
		return "", nil
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return "", err
		}
		return s, nil
	case trimmed == "true" || trimmed == "false":
		return trimmed, nil
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return "", fmt.Errorf("unsupported field value %s", trimmed)
		}
		return canonicalNumber(n.String()), nil
	}
}

// canonicalNumber strips an insignificant fractional part so 63 and 63.0
// compare equal after a JSON round trip.
func canonicalNumber(s string) string {
	if !strings.ContainsAny(s, ".eE") {
		return s
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return s
	}
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// FieldsEqual compares two field maps key by key.
func FieldsEqual(a, b map[string]Value) bool {
	if len(a) != len(b) {
		return false
	}
	for key, value := range a {
		other, ok := b[key]
		if !ok || !value.Equal(other) {
			return false
		}
	}
	return true
}

// ChangedFields returns the names of fields whose current value differs from
// the previous one, including fields present on only one side.
func ChangedFields(current, previous map[string]Value) []string {
	changed := make([]string, 0)
	for key, value := range current {
		if prev, ok := previous[key]; !ok || !value.Equal(prev) {
			changed = append(changed, key)
		}
	}
	for key := range previous {
		if _, ok := current[key]; !ok {
			changed = append(changed, key)
		}
	}
	return changed
}
