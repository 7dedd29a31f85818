package domain

import "errors"

// Setting validation errors, raised once at the task-creation boundary.
var (
	ErrSettingKindUnknown       = errors.New("unknown setting kind")
	ErrSettingValueMissing      = errors.New("fixed setting requires a value")
	ErrSettingAxisIdentity      = errors.New("axis setting requires axis_id and axis_name")
	ErrSettingAxisEmpty         = errors.New("axis setting requires at least one value")
	ErrSettingAxisValuesOnFixed = errors.New("fixed setting cannot carry axis values")
)
