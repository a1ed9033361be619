package live

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"
)

// ErrNotIndexed is returned by mirror lookups before the first enumeration
// has completed.
var ErrNotIndexed = errors.New("live: mixer not indexed yet")

// Snapshot is an immutable view of the mixer at one enumeration. Once
// published via [Mirror.Replace] a snapshot must not be mutated.
type Snapshot struct {
	// Tracks is the full track list in mixer order.
	Tracks []Track

	// IndexedAt is when the enumeration that produced this snapshot
	// finished.
	IndexedAt time.Time
}

// Track returns the track with the given id.
func (s *Snapshot) Track(trackID int) (*Track, error) {
	if trackID < 0 || trackID >= len(s.Tracks) {
		return nil, fmt.Errorf("live: track %d out of range (have %d tracks)", trackID, len(s.Tracks))
	}
	return &s.Tracks[trackID], nil
}

// Device returns the device at trackID/deviceID.
func (s *Snapshot) Device(trackID, deviceID int) (*Device, error) {
	tr, err := s.Track(trackID)
	if err != nil {
		return nil, err
	}
	if deviceID < 0 || deviceID >= len(tr.Devices) {
		return nil, fmt.Errorf("live: device %d out of range on track %q (have %d devices)", deviceID, tr.Name, len(tr.Devices))
	}
	return &tr.Devices[deviceID], nil
}

// Parameter returns the parameter at trackID/deviceID/paramID. It fails for
// devices whose parameters have not been filled in yet.
func (s *Snapshot) Parameter(ref ParamRef) (*Parameter, error) {
	dev, err := s.Device(ref.Track, ref.Device)
	if err != nil {
		return nil, err
	}
	if ref.Param < 0 || ref.Param >= len(dev.Parameters) {
		return nil, fmt.Errorf("live: parameter %d out of range on device %q (have %d parameters)", ref.Param, dev.Name, len(dev.Parameters))
	}
	return &dev.Parameters[ref.Param], nil
}

// Mirror holds the latest mixer snapshot. Reads never block writes: the
// snapshot pointer is swapped atomically, so a reader either sees the full
// old state or the full new state, never a mix.
type Mirror struct {
	current atomic.Pointer[Snapshot]
}

// NewMirror returns an empty mirror.
func NewMirror() *Mirror {
	return &Mirror{}
}

// Replace publishes snap as the current snapshot.
func (m *Mirror) Replace(snap *Snapshot) {
	m.current.Store(snap)
}

// Snapshot returns the current snapshot, or [ErrNotIndexed] before the
// first enumeration.
func (m *Mirror) Snapshot() (*Snapshot, error) {
	snap := m.current.Load()
	if snap == nil {
		return nil, ErrNotIndexed
	}
	return snap, nil
}

// Indexed reports whether an enumeration has been published.
func (m *Mirror) Indexed() bool {
	return m.current.Load() != nil
}
