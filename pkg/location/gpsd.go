package location

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"time"
)

// gpsdWatch asks gpsd to stream JSON reports.
const gpsdWatch = `?WATCH={"enable":true,"json":true};` + "\n"

// GPSD reads one TPV report from a gpsd daemon.
type GPSD struct {
	Addr    string
	Timeout time.Duration
}

// NewGPSD returns a provider for the daemon at addr.
func NewGPSD(addr string, timeout time.Duration) *GPSD {
	return &GPSD{Addr: addr, Timeout: timeout}
}

// Name implements Provider.
func (g *GPSD) Name() string { return SourceGPSD }

// Locate connects, enables watching and waits for a report with a position.
func (g *GPSD) Locate(ctx context.Context) (Reading, error) {
	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", g.Addr)
	if err != nil {
		return Reading{}, fmt.Errorf("dial gpsd: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := io.WriteString(conn, gpsdWatch); err != nil {
		return Reading{}, fmt.Errorf("watch gpsd: %w", err)
	}
	return ReadGPSD(conn)
}

// tpv is the subset of a gpsd TPV report that matters here.
type tpv struct {
	Class string   `json:"class"`
	Mode  int      `json:"mode"`
	Lat   *float64 `json:"lat"`
	Lon   *float64 `json:"lon"`
	Epx   *float64 `json:"epx"`
	Epy   *float64 `json:"epy"`
}

// ReadGPSD scans a gpsd JSON stream for the first TPV report carrying a
// position. Accuracy is the larger of the two horizontal error estimates.
func ReadGPSD(r io.Reader) (Reading, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		var rep tpv
		if err := json.Unmarshal(sc.Bytes(), &rep); err != nil {
			continue
		}
		if rep.Class != "TPV" || rep.Lat == nil || rep.Lon == nil {
			continue
		}
		out := Reading{Lat: *rep.Lat, Lon: *rep.Lon, Source: SourceGPSD}
		if rep.Epx != nil && rep.Epy != nil {
			out.Accuracy = Float(max(*rep.Epx, *rep.Epy))
		}
		return out, nil
	}
	if err := sc.Err(); err != nil {
		return Reading{}, fmt.Errorf("read gpsd: %w", err)
	}
	return Reading{}, ErrNoFix
}
