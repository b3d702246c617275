// Package state holds the single publication point between the frame loop
// and everything that reports on it.
//
// The loop publishes once per cycle; HTTP handlers, the status hub and the
// companion link read copies. One mutex guards all fields and is held only
// for the copy, never across I/O.
package state

import (
	"sync"
	"time"

	"github.com/teslashibe/go-depthsense/pkg/location"
	"github.com/teslashibe/go-depthsense/pkg/panes"
)

// Snapshot is a consistent copy of the shared state. It owns its buffers.
type Snapshot struct {
	// Frame is the latest encoded visualization (JPEG), nil before the
	// first publication.
	Frame     []byte
	Occupancy panes.Occupancy
	Location  location.Fix

	// Seq counts publications; it changes whenever Frame and Occupancy do.
	Seq       uint64
	UpdatedAt time.Time
}

// Shared is the process-wide state. Create it once with New and hand the
// pointer to every component that needs it.
type Shared struct {
	mu sync.Mutex

	frame     []byte
	occupancy panes.Occupancy
	loc       location.Fix
	seq       uint64
	updatedAt time.Time

	now func() time.Time
}

// New returns empty state.
func New() *Shared {
	return &Shared{now: time.Now}
}

// Publish stores the results of one loop cycle in a single update. frame is
// retained; the caller must not modify it afterwards.
func (s *Shared) Publish(frame []byte, occ panes.Occupancy) uint64 {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.frame = frame
	s.occupancy = occ
	s.seq++
	s.updatedAt = now
	return s.seq
}

// UpdateLocation applies fn to the stored fix under the lock. fn must not
// block or retain the pointer.
func (s *Shared) UpdateLocation(fn func(*location.Fix)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.loc)
}

// SetManualLocation records a user-supplied position. The host IP learned
// from earlier lookups is kept.
func (s *Shared) SetManualLocation(lat, lon float64, username string) location.Fix {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.loc.Lat, s.loc.Lon = location.Float(lat), location.Float(lon)
	s.loc.Accuracy = nil
	s.loc.Source = location.SourceManual
	s.loc.Timestamp = now
	if username != "" {
		s.loc.Username = username
	}
	return s.loc.Clone()
}

// Location returns a copy of the latest fix.
func (s *Shared) Location() location.Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loc.Clone()
}

// Seq returns the publication counter without copying the frame.
func (s *Shared) Seq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

// Snapshot copies out everything.
func (s *Shared) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var frame []byte
	if s.frame != nil {
		frame = make([]byte, len(s.frame))
		copy(frame, s.frame)
	}
	return Snapshot{
		Frame:     frame,
		Occupancy: s.occupancy,
		Location:  s.loc.Clone(),
		Seq:       s.seq,
		UpdatedAt: s.updatedAt,
	}
}

// Status copies out everything except the frame.
func (s *Shared) Status() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Snapshot{
		Occupancy: s.occupancy,
		Location:  s.loc.Clone(),
		Seq:       s.seq,
		UpdatedAt: s.updatedAt,
	}
}
