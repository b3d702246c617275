package location

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/teslashibe/go-depthsense/internal/httpc"
)

// loopback is reported when the host has no routable address.
const loopback = "127.0.0.1"

// HostIP returns the address of the interface used for outbound traffic.
// No packet is sent: connecting a UDP socket only selects a route.
func HostIP() string {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		return loopback
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return loopback
	}
	return addr.IP.String()
}

// IPLocator derives a coarse position from the public IP address via an
// ipinfo-style JSON endpoint.
type IPLocator struct {
	URL    string
	Client *http.Client

	hostIP func() string
}

// NewIPLocator returns a locator querying url.
func NewIPLocator(url string, client *http.Client) *IPLocator {
	return &IPLocator{URL: url, Client: client, hostIP: HostIP}
}

type geoIPResponse struct {
	IP  string `json:"ip"`
	Loc string `json:"loc"` // "lat,lon"
}

// Locate returns a fix with the host IP always set and the coordinates set
// when the lookup succeeded. The error reports a failed lookup; the fix is
// usable either way.
func (l *IPLocator) Locate(ctx context.Context) (Fix, error) {
	fix := Fix{Source: SourceIP, HostIP: l.hostIP()}

	var resp geoIPResponse
	if err := httpc.GetJSON(ctx, l.Client, l.URL, &resp); err != nil {
		return fix, err
	}
	lat, lon, err := parseLatLon(resp.Loc)
	if err != nil {
		return fix, err
	}
	fix.Lat, fix.Lon = Float(lat), Float(lon)
	return fix, nil
}

func parseLatLon(s string) (float64, float64, error) {
	a, b, ok := strings.Cut(s, ",")
	if !ok {
		return 0, 0, fmt.Errorf("location: malformed loc %q", s)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(a), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location: latitude %q: %w", a, err)
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(b), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("location: longitude %q: %w", b, err)
	}
	return lat, lon, nil
}
