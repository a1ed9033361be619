package live

import (
	"errors"
	"testing"
	"time"
)

func testSnapshot() *Snapshot {
	return &Snapshot{
		Tracks: []Track{
			{
				ID:   0,
				Name: "Drums",
				Devices: []Device{
					{
						ID:        0,
						Name:      "Drum Rack",
						ClassName: "DrumGroupDevice",
						Parameters: []Parameter{
							{ID: 0, Name: "Device On", Value: 1, Min: 0, Max: 1},
						},
					},
				},
			},
			{ID: 1, Name: "Bass"},
		},
		IndexedAt: time.Now(),
	}
}

func TestMirror(t *testing.T) {
	t.Run("empty mirror reports not indexed", func(t *testing.T) {
		m := NewMirror()
		if m.Indexed() {
			t.Error("Indexed() = true on empty mirror")
		}
		if _, err := m.Snapshot(); !errors.Is(err, ErrNotIndexed) {
			t.Errorf("Snapshot() error = %v, want ErrNotIndexed", err)
		}
	})

	t.Run("replace publishes the snapshot", func(t *testing.T) {
		m := NewMirror()
		m.Replace(testSnapshot())

		snap, err := m.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot() error = %v", err)
		}
		if len(snap.Tracks) != 2 {
			t.Errorf("got %d tracks, want 2", len(snap.Tracks))
		}
		if !m.Indexed() {
			t.Error("Indexed() = false after Replace")
		}
	})
}

func TestSnapshot_Lookups(t *testing.T) {
	snap := testSnapshot()

	t.Run("track", func(t *testing.T) {
		tr, err := snap.Track(1)
		if err != nil || tr.Name != "Bass" {
			t.Errorf("Track(1) = %v, %v; want Bass", tr, err)
		}
		if _, err := snap.Track(2); err == nil {
			t.Error("Track(2) error = nil, want out of range")
		}
		if _, err := snap.Track(-1); err == nil {
			t.Error("Track(-1) error = nil, want out of range")
		}
	})

	t.Run("device", func(t *testing.T) {
		dev, err := snap.Device(0, 0)
		if err != nil || dev.Name != "Drum Rack" {
			t.Errorf("Device(0,0) = %v, %v; want Drum Rack", dev, err)
		}
		if _, err := snap.Device(1, 0); err == nil {
			t.Error("Device(1,0) error = nil, want out of range on device-less track")
		}
	})

	t.Run("parameter", func(t *testing.T) {
		p, err := snap.Parameter(ParamRef{Track: 0, Device: 0, Param: 0})
		if err != nil || p.Name != "Device On" {
			t.Errorf("Parameter(0/0/0) = %v, %v; want Device On", p, err)
		}
		if _, err := snap.Parameter(ParamRef{Track: 0, Device: 0, Param: 5}); err == nil {
			t.Error("Parameter(0/0/5) error = nil, want out of range")
		}
	})
}
