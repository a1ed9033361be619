// Package live implements the bridge to the DAW's OSC remote script: mixer
// enumeration, per-device parameter queries, parameter writes, and the
// in-memory mirror of the last enumeration.
package live

import (
	"fmt"
	"time"
)

// Parameter is one automatable device parameter.
type Parameter struct {
	// ID is the parameter index within its device, 0-based over the real
	// parameters. This is the index used on the wire for reads, writes, and
	// change subscriptions.
	ID int `json:"id"`

	// Name is the parameter display name.
	Name string `json:"name"`

	// Value is the raw parameter value.
	Value float64 `json:"value"`

	// Min and Max bound the raw value range.
	Min float64 `json:"min"`
	Max float64 `json:"max"`
}

// Device is one device (instrument or effect) on a track.
type Device struct {
	// ID is the device index within its track, 0-based.
	ID int `json:"id"`

	// Name is the device display name.
	Name string `json:"name"`

	// ClassName is the device class (e.g. "Operator", "Compressor2").
	ClassName string `json:"class_name"`

	// Parameters holds the device's parameters. Empty until the device has
	// been queried; the observer fills it in during subscription.
	Parameters []Parameter `json:"parameters,omitempty"`
}

// Track is one mixer track.
type Track struct {
	// ID is the track index, 0-based.
	ID int `json:"id"`

	// Name is the track display name.
	Name string `json:"name"`

	// Devices holds the track's device chain in order.
	Devices []Device `json:"devices"`
}

// ParamRef addresses a single parameter by track, device, and parameter
// index. It is the key type for change subscriptions and history records.
type ParamRef struct {
	Track  int `json:"track_id"`
	Device int `json:"device_id"`
	Param  int `json:"param_id"`
}

func (r ParamRef) String() string {
	return fmt.Sprintf("%d/%d/%d", r.Track, r.Device, r.Param)
}

// Change is one committed (debounced) parameter change, resolved to display
// names against the snapshot that was current when the change landed.
type Change struct {
	ParamRef

	// TrackName, DeviceName, and ParamName are display names, empty when
	// the changed parameter is not present in the current snapshot.
	TrackName  string `json:"track_name"`
	DeviceName string `json:"device_name"`
	ParamName  string `json:"param_name"`

	// OldValue is the raw value before the change: the value of the last
	// committed change for this parameter, or the snapshot-initial value.
	OldValue float64 `json:"old_value"`

	// NewValue is the raw value after the change.
	NewValue float64 `json:"new_value"`

	// Min and Max bound the parameter's raw value range, copied from the
	// snapshot so consumers can place old/new without a second lookup.
	Min float64 `json:"min"`
	Max float64 `json:"max"`

	// Timestamp is when the debounced change was committed.
	Timestamp time.Time `json:"timestamp"`
}

// SetResult describes a completed parameter write in display terms, the way
// the agent reports it back to the model and the user.
type SetResult struct {
	// DeviceName is the device display name.
	DeviceName string `json:"device"`

	// ParameterName is the parameter display name.
	ParameterName string `json:"param"`

	// From is the display string of the value before the write.
	From string `json:"from"`

	// To is the display string of the value after the write.
	To string `json:"to"`
}
