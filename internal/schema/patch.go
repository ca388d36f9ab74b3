package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// Patch is a partial record keyed by JSON field name.
type Patch map[string]any

var immutableFields = []string{"id", "owner_id"}

// Validate rejects empty patches and patches touching identity fields.
func (p Patch) Validate() error {
	if len(p) == 0 {
		return fmt.Errorf("patch is empty")
	}
	for _, f := range immutableFields {
		if _, ok := p[f]; ok {
			return fmt.Errorf("field %s cannot be patched", f)
		}
	}
	return nil
}

// WithUpdatedAt returns a copy of p stamped with updated_at.
func (p Patch) WithUpdatedAt(now time.Time) Patch {
	out := make(Patch, len(p)+1)
	for k, v := range p {
		out[k] = v
	}
	out["updated_at"] = now.UTC().Format(time.RFC3339Nano)
	return out
}

// PatchVariant overlays p onto the record carried by v.
func PatchVariant(v Variant, p Patch) (Variant, error) {
	if err := p.Validate(); err != nil {
		return Variant{}, err
	}
	data, err := v.Data()
	if err != nil {
		return Variant{}, err
	}

	fields := map[string]any{}
	if err := json.Unmarshal(data, &fields); err != nil {
		return Variant{}, fmt.Errorf("failed to unpack record: %w", err)
	}
	for k, val := range p {
		fields[k] = val
	}

	merged, err := json.Marshal(fields)
	if err != nil {
		return Variant{}, fmt.Errorf("failed to merge patch: %w", err)
	}
	out, err := Decode(v.Type, merged)
	if err != nil {
		return Variant{}, err
	}
	if err := out.Validate(); err != nil {
		return Variant{}, fmt.Errorf("patched record invalid: %w", err)
	}
	return out, nil
}

// ApplyPatch is PatchVariant for a concrete record type.
func ApplyPatch[E Record](e E, p Patch) (E, error) {
	var zero E
	v, err := PatchVariant(Wrap(e), p)
	if err != nil {
		return zero, err
	}
	return As[E](v)
}
