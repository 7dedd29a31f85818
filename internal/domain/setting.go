package domain

import (
	"encoding/json"
	"fmt"
)

// Setting is a closed tagged variant describing one generation
// parameter: either a fixed value or a variable axis that expands into
// the subtask matrix at task creation. Exactly one of the two arms is
// populated; Validate enforces this once at the creation boundary and
// downstream code never re-checks.
type Setting struct {
	// Kind discriminates the variant.
	Kind SettingKind `json:"kind"`

	// Value is the fixed value. Only meaningful when Kind == SettingFixed.
	Value json.RawMessage `json:"value,omitempty"`

	// AxisID and AxisName identify the variable axis; Values holds the
	// axis points. Only meaningful when Kind == SettingAxis.
	AxisID   string            `json:"axis_id,omitempty"`
	AxisName string            `json:"axis_name,omitempty"`
	Values   []json.RawMessage `json:"values,omitempty"`
}

// SettingKind discriminates the Setting variant.
type SettingKind string

const (
	SettingFixed SettingKind = "fixed"
	SettingAxis  SettingKind = "axis"
)

// Settings maps parameter names (ratio, seed, batch_size, ...) to their
// submitted setting.
type Settings map[string]Setting

// FixedSetting builds the fixed-value arm of the variant.
func FixedSetting(value any) (Setting, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return Setting{}, fmt.Errorf("failed to encode setting value: %w", err)
	}
	return Setting{Kind: SettingFixed, Value: raw}, nil
}

// AxisSetting builds the variable-axis arm of the variant.
func AxisSetting(axisID, axisName string, values ...any) (Setting, error) {
	raws := make([]json.RawMessage, 0, len(values))
	for _, v := range values {
		raw, err := json.Marshal(v)
		if err != nil {
			return Setting{}, fmt.Errorf("failed to encode axis value: %w", err)
		}
		raws = append(raws, raw)
	}
	return Setting{Kind: SettingAxis, AxisID: axisID, AxisName: axisName, Values: raws}, nil
}

// Validate checks that the variant is well formed. The optional flag
// allows a fixed setting with no value (used by the fidelity-only
// parameters that may be absent entirely).
func (s Setting) Validate(optional bool) error {
	switch s.Kind {
	case SettingFixed:
		if len(s.Values) > 0 {
			return ErrSettingAxisValuesOnFixed
		}
		if len(s.Value) == 0 && !optional {
			return ErrSettingValueMissing
		}
		return nil
	case SettingAxis:
		if s.AxisID == "" || s.AxisName == "" {
			return ErrSettingAxisIdentity
		}
		if len(s.Values) == 0 {
			return ErrSettingAxisEmpty
		}
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrSettingKindUnknown, s.Kind)
	}
}

// IsAxis reports whether the setting is a variable axis.
func (s Setting) IsAxis() bool {
	return s.Kind == SettingAxis
}
