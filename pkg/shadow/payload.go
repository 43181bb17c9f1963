package shadow

import (
	"encoding/json"
	"fmt"
	"math"
)

// Shadow document field names.
const (
	FieldTargetTemp  = "target_temp"
	FieldCurrentTemp = "current_temp"
)

// reading is what one notification says about a device.
type reading struct {
	target  *float64
	current *float64
	version int64
}

// extract applies the extraction rule for status to payload.
func extract(status Status, payload []byte) (reading, error) {
	var doc map[string]any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return reading{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if doc == nil {
		return reading{}, fmt.Errorf("%w: not an object", ErrMalformedPayload)
	}

	if status == StatusDocuments {
		current, ok := doc["current"].(map[string]any)
		if ok {
			doc = current
		}
	}

	var r reading
	if v, ok := doc["version"].(float64); ok {
		r.version = int64(v)
	}

	state, ok := doc["state"].(map[string]any)
	if !ok {
		return reading{}, fmt.Errorf("%w: missing state", ErrMalformedPayload)
	}

	src := state
	if status != StatusDelta {
		if reported, ok := state["reported"].(map[string]any); ok {
			src = reported
		} else if desired, ok := state["desired"].(map[string]any); ok {
			src = desired
		} else {
			return reading{}, fmt.Errorf("%w: state has neither reported nor desired", ErrMalformedPayload)
		}
	}

	var err error
	if r.target, err = number(src, FieldTargetTemp); err != nil {
		return reading{}, err
	}
	if r.current, err = number(src, FieldCurrentTemp); err != nil {
		return reading{}, err
	}
	if r.target == nil && r.current == nil {
		return reading{}, fmt.Errorf("%w: no %s or %s", ErrMalformedPayload, FieldTargetTemp, FieldCurrentTemp)
	}
	return r, nil
}

// number returns obj[key] as a float. Absent and null both yield nil.
func number(obj map[string]any, key string) (*float64, error) {
	raw, ok := obj[key]
	if !ok || raw == nil {
		return nil, nil
	}
	v, ok := raw.(float64)
	if !ok {
		return nil, fmt.Errorf("%w: %s is %T, want number", ErrMalformedPayload, key, raw)
	}
	return &v, nil
}

// desiredPayload builds the update request carrying only target_temp.
func desiredPayload(target float64) ([]byte, error) {
	return json.Marshal(map[string]any{
		"state": map[string]any{
			"desired": map[string]any{
				FieldTargetTemp: target,
			},
		},
	})
}

// Round rounds v to the nearest whole unit, halves away from zero.
func Round(v float64) float64 {
	return math.Round(v)
}
