// Package location keeps track of where the device is.
//
// Precise fixes come from GPS providers tried in order (gpsd, then a serial
// NMEA receiver). When none answers, a coarse position is derived from the
// public IP address. Users can also set the position by hand over HTTP.
package location

import (
	"encoding/json"
	"math"
	"time"
)

// Source tags recorded in Fix.Source.
const (
	SourceGPSD   = "gpsd"
	SourceSerial = "serial"
	SourceIP     = "ip"
	SourceManual = "manual"
)

// Fix is the latest known position. Unknown values are nil or empty.
type Fix struct {
	Lat       *float64
	Lon       *float64
	Accuracy  *float64
	Source    string
	HostIP    string
	Username  string
	Timestamp time.Time
}

// Float returns a pointer to v.
func Float(v float64) *float64 { return &v }

// HasPosition reports whether both coordinates are known.
func (f Fix) HasPosition() bool {
	return f.Lat != nil && f.Lon != nil
}

// Clone returns a deep copy, so callers can hold a Fix without sharing the
// coordinate pointers.
func (f Fix) Clone() Fix {
	out := f
	out.Lat = clonePtr(f.Lat)
	out.Lon = clonePtr(f.Lon)
	out.Accuracy = clonePtr(f.Accuracy)
	return out
}

func clonePtr(p *float64) *float64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

type fixJSON struct {
	Lat       *float64 `json:"lat"`
	Lon       *float64 `json:"lon"`
	HostIP    *string  `json:"host_ip"`
	Timestamp *float64 `json:"timestamp"`
	Source    string   `json:"gps_source,omitempty"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Username  string   `json:"username,omitempty"`
}

// MarshalJSON encodes the fix with unix-seconds timestamps and null for
// unknown coordinates.
func (f Fix) MarshalJSON() ([]byte, error) {
	out := fixJSON{
		Lat:      f.Lat,
		Lon:      f.Lon,
		Source:   f.Source,
		Accuracy: f.Accuracy,
		Username: f.Username,
	}
	if f.HostIP != "" {
		ip := f.HostIP
		out.HostIP = &ip
	}
	if !f.Timestamp.IsZero() {
		ts := float64(f.Timestamp.UnixNano()) / 1e9
		out.Timestamp = &ts
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (f *Fix) UnmarshalJSON(b []byte) error {
	var in fixJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*f = Fix{
		Lat:      in.Lat,
		Lon:      in.Lon,
		Accuracy: in.Accuracy,
		Source:   in.Source,
		Username: in.Username,
	}
	if in.HostIP != nil {
		f.HostIP = *in.HostIP
	}
	if in.Timestamp != nil {
		sec, frac := math.Modf(*in.Timestamp)
		f.Timestamp = time.Unix(int64(sec), int64(frac*1e9))
	}
	return nil
}
