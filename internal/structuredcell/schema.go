package structuredcell

import "fmt"

// validateRequired checks that every key schema.Required names is present
// and non-nil in root: a required-field presence check applied to a
// composite's root-level keys.
//
// A schema value with no "required" key, or no schema at all, always passes
// — spec §4.3 only describes completeness gating, not a full JSON-schema
// type system.
func validateRequired(schema any, root any) error {
	if schema == nil {
		return nil
	}
	sm, ok := schema.(map[string]any)
	if !ok {
		return nil
	}
	reqRaw, ok := sm["required"]
	if !ok {
		return nil
	}
	reqList, ok := reqRaw.([]any)
	if !ok {
		return nil
	}
	rootMap, _ := root.(map[string]any)
	for _, r := range reqList {
		key, ok := r.(string)
		if !ok || key == "" {
			continue
		}
		v, present := rootMap[key]
		if !present || v == nil {
			return fmt.Errorf("structuredcell: schema requires key %q", key)
		}
	}
	return nil
}
