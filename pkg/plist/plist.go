// Package plist reads and writes XML and binary property lists as
// abstract key/value trees (spec §4.2, C2). It is a thin wrapper over
// howett.net/plist that fixes the tree shape the rest of the pipeline
// works with: map[string]interface{}, []interface{}, string, int64 or
// uint64 (non-negative integers decode as uint64), float64, bool,
// time.Time, and []byte.
package plist

import (
	"os"

	"howett.net/plist"
)

// Dict is the root shape every property list this pipeline touches takes
// (Info.plist, entitlements, provisioning payloads).
type Dict map[string]interface{}

// ReadFile decodes the property list at path, auto-detecting XML vs.
// binary encoding (howett.net/plist handles both transparently).
func ReadFile(path string) (Dict, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Unmarshal(data)
}

// Unmarshal decodes raw property-list bytes (XML or binary) into a Dict.
func Unmarshal(data []byte) (Dict, error) {
	var d Dict
	if _, err := plist.Unmarshal(data, &d); err != nil {
		return nil, err
	}
	return d, nil
}

// WriteFile encodes d as an XML property list and writes it to path,
// matching the format Apple's tools (and the teacher's PlistBuddy calls)
// emit. Value types round-trip; key insertion order is not preserved
// (spec §4.2).
func WriteFile(path string, d Dict) error {
	data, err := plist.MarshalIndent(d, plist.XMLFormat, "\t")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Clone deep-copies a Dict so callers can mutate a copy without affecting
// the original tree (used by the entitlement reconciler's "copy verbatim"
// branch and by Info.plist rewriting).
func Clone(d Dict) Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case Dict:
		return Clone(t)
	case map[string]interface{}:
		return Clone(Dict(t))
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return t
	}
}
