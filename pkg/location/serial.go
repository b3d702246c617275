package location

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"
	"go.bug.st/serial"
)

// maxSentence bounds a single NMEA line; longer garbage is truncated and
// will fail its checksum.
const maxSentence = 128

// pollSlice is the serial read timeout, so a silent receiver is noticed
// within the provider timeout.
const pollSlice = 100 * time.Millisecond

// Serial reads NMEA sentences from a GPS receiver on a serial port.
type Serial struct {
	Device   string
	BaudRate int
	Timeout  time.Duration

	open func(device string, mode *serial.Mode) (serial.Port, error)
}

// NewSerial returns a provider for the receiver on device.
func NewSerial(device string, baud int, timeout time.Duration) *Serial {
	return &Serial{
		Device:   device,
		BaudRate: baud,
		Timeout:  timeout,
		open:     serial.Open,
	}
}

// Name implements Provider.
func (s *Serial) Name() string { return SourceSerial }

// Locate opens the port and reads until a valid GGA or RMC fix arrives or
// the timeout passes.
func (s *Serial) Locate(ctx context.Context) (Reading, error) {
	port, err := s.open(s.Device, &serial.Mode{BaudRate: s.BaudRate})
	if err != nil {
		return Reading{}, fmt.Errorf("open %s: %w", s.Device, err)
	}
	defer port.Close()

	if err := port.SetReadTimeout(pollSlice); err != nil {
		return Reading{}, fmt.Errorf("configure %s: %w", s.Device, err)
	}

	deadline := time.Now().Add(s.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	r, err := ReadNMEA(port, deadline)
	if err == nil {
		r.Source = SourceSerial
	}
	return r, err
}

// ReadNMEA reads sentences from r until one carries a valid fix, r is
// exhausted or the deadline passes. Reads returning no data (a serial read
// timeout) are retried.
func ReadNMEA(r io.Reader, deadline time.Time) (Reading, error) {
	line := make([]byte, 0, maxSentence)
	buf := make([]byte, 256)

	for time.Now().Before(deadline) {
		n, err := r.Read(buf)
		for _, b := range buf[:n] {
			if b != '\n' {
				if len(line) < maxSentence {
					line = append(line, b)
				}
				continue
			}
			if rd, ok := parseSentence(string(line)); ok {
				return rd, nil
			}
			line = line[:0]
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return Reading{}, fmt.Errorf("read nmea: %w", err)
		}
	}

	if rd, ok := parseSentence(string(line)); ok {
		return rd, nil
	}
	return Reading{}, ErrNoFix
}

// parseSentence accepts GGA with a non-zero fix quality (accuracy from
// HDOP) and RMC with an active status.
func parseSentence(line string) (Reading, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return Reading{}, false
	}
	s, err := nmea.Parse(line)
	if err != nil {
		return Reading{}, false
	}

	switch m := s.(type) {
	case nmea.GGA:
		q, err := strconv.Atoi(m.FixQuality)
		if err != nil || q <= 0 {
			return Reading{}, false
		}
		return Reading{Lat: m.Latitude, Lon: m.Longitude, Accuracy: Float(m.HDOP)}, true
	case nmea.RMC:
		if m.Validity != nmea.ValidRMC {
			return Reading{}, false
		}
		return Reading{Lat: m.Latitude, Lon: m.Longitude}, true
	}
	return Reading{}, false
}
