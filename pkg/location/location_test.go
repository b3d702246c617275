package location

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

// sentence wraps an NMEA body with its leading $ and checksum.
func sentence(body string) string {
	var sum byte
	for i := 0; i < len(body); i++ {
		sum ^= body[i]
	}
	return fmt.Sprintf("$%s*%02X\r\n", body, sum)
}

const (
	ggaFix   = "GPGGA,123519,4807.038,N,01131.000,E,1,08,0.9,545.4,M,46.9,M,,"
	ggaNoFix = "GPGGA,123519,4807.038,N,01131.000,E,0,00,99.9,545.4,M,46.9,M,,"
	rmcValid = "GPRMC,220516,A,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W"
	rmcVoid  = "GPRMC,220516,V,5133.82,N,00042.24,W,173.8,231.8,130694,004.2,W"
)

func TestReadNMEA(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantLat float64
		wantLon float64
		wantAcc *float64
		wantErr error
	}{
		{
			name:    "gga fix",
			input:   sentence(ggaFix),
			wantLat: 48.1173,
			wantLon: 11.516667,
			wantAcc: Float(0.9),
		},
		{
			name:    "skips gga without fix",
			input:   sentence(ggaNoFix) + sentence(rmcValid),
			wantLat: 51.563667,
			wantLon: -0.704,
		},
		{
			name:    "skips garbage and bad checksums",
			input:   "noise\n$GPGGA,bad*00\n" + sentence(ggaFix),
			wantLat: 48.1173,
			wantLon: 11.516667,
			wantAcc: Float(0.9),
		},
		{
			name:    "void rmc only",
			input:   sentence(rmcVoid) + sentence(ggaNoFix),
			wantErr: ErrNoFix,
		},
		{
			name:    "last line without newline",
			input:   strings.TrimSpace(sentence(rmcValid)),
			wantLat: 51.563667,
			wantLon: -0.704,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ReadNMEA(strings.NewReader(tt.input), time.Now().Add(time.Second))
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.wantLat, r.Lat, 1e-4)
			assert.InDelta(t, tt.wantLon, r.Lon, 1e-4)
			if tt.wantAcc == nil {
				assert.Nil(t, r.Accuracy)
			} else {
				require.NotNil(t, r.Accuracy)
				assert.InDelta(t, *tt.wantAcc, *r.Accuracy, 1e-9)
			}
		})
	}
}

// fakePort feeds canned bytes in small chunks, then behaves like a serial
// read timeout (0, nil).
type fakePort struct {
	serial.Port
	data    []byte
	closed  bool
	timeout time.Duration
}

func (p *fakePort) Read(b []byte) (int, error) {
	if len(p.data) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(b[:min(len(b), 7)], p.data)
	p.data = p.data[n:]
	return n, nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.timeout = d
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return nil
}

func TestSerial_Locate(t *testing.T) {
	port := &fakePort{data: []byte(sentence(ggaNoFix) + sentence(ggaFix))}
	s := NewSerial("/dev/ttyFAKE", 9600, time.Second)

	var gotMode *serial.Mode
	s.open = func(device string, mode *serial.Mode) (serial.Port, error) {
		assert.Equal(t, "/dev/ttyFAKE", device)
		gotMode = mode
		return port, nil
	}

	r, err := s.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceSerial, r.Source)
	assert.InDelta(t, 48.1173, r.Lat, 1e-4)
	assert.Equal(t, 9600, gotMode.BaudRate)
	assert.Equal(t, pollSlice, port.timeout)
	assert.True(t, port.closed, "port left open")
}

func TestSerial_SilentReceiverTimesOut(t *testing.T) {
	port := &fakePort{}
	s := NewSerial("/dev/ttyFAKE", 9600, 50*time.Millisecond)
	s.open = func(string, *serial.Mode) (serial.Port, error) { return port, nil }

	start := time.Now()
	_, err := s.Locate(context.Background())
	assert.ErrorIs(t, err, ErrNoFix)
	assert.Less(t, time.Since(start), time.Second)
	assert.True(t, port.closed)
}

func TestSerial_OpenFailure(t *testing.T) {
	s := NewSerial("/dev/ttyFAKE", 9600, time.Second)
	s.open = func(string, *serial.Mode) (serial.Port, error) {
		return nil, errors.New("no such device")
	}
	_, err := s.Locate(context.Background())
	assert.ErrorContains(t, err, "no such device")
}

func TestReadGPSD(t *testing.T) {
	stream := strings.Join([]string{
		`{"class":"VERSION","release":"3.25"}`,
		`{"class":"TPV","mode":1}`,
		`not json`,
		`{"class":"TPV","mode":3,"lat":37.3861,"lon":-122.0839,"epx":4.5,"epy":6.25}`,
	}, "\n")

	r, err := ReadGPSD(strings.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, SourceGPSD, r.Source)
	assert.InDelta(t, 37.3861, r.Lat, 1e-9)
	assert.InDelta(t, -122.0839, r.Lon, 1e-9)
	require.NotNil(t, r.Accuracy)
	assert.Equal(t, 6.25, *r.Accuracy)

	_, err = ReadGPSD(strings.NewReader(`{"class":"TPV","mode":1}`))
	assert.ErrorIs(t, err, ErrNoFix)
}

func TestGPSD_Locate(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	watched := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, _ := bufio.NewReader(conn).ReadString('\n')
		watched <- line
		io.WriteString(conn, `{"class":"TPV","mode":2,"lat":1.5,"lon":2.5}`+"\n")
	}()

	g := NewGPSD(ln.Addr().String(), time.Second)
	r, err := g.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1.5, r.Lat)
	assert.Equal(t, 2.5, r.Lon)
	assert.Nil(t, r.Accuracy)
	assert.Equal(t, gpsdWatch, <-watched)
}

func TestGPSD_Unreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, err = NewGPSD(addr, 200*time.Millisecond).Locate(context.Background())
	assert.Error(t, err)
}

type stubProvider struct {
	name  string
	r     Reading
	err   error
	calls int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Locate(context.Context) (Reading, error) {
	s.calls++
	return s.r, s.err
}

func TestChain(t *testing.T) {
	t.Run("falls back to second provider", func(t *testing.T) {
		first := &stubProvider{name: "gpsd", err: errors.New("connection refused")}
		second := &stubProvider{name: "serial", r: Reading{Lat: 1, Lon: 2}}

		r, err := NewChain(nil, first, second).Locate(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "serial", r.Source)
		assert.Equal(t, 1, first.calls)
	})

	t.Run("stops at first success", func(t *testing.T) {
		first := &stubProvider{name: "gpsd", r: Reading{Lat: 1, Lon: 2, Source: SourceGPSD}}
		second := &stubProvider{name: "serial"}

		_, err := NewChain(nil, first, second).Locate(context.Background())
		require.NoError(t, err)
		assert.Zero(t, second.calls)
	})

	t.Run("all fail", func(t *testing.T) {
		first := &stubProvider{name: "gpsd", err: errors.New("refused")}
		second := &stubProvider{name: "serial", err: ErrNoFix}

		_, err := NewChain(nil, first, second).Locate(context.Background())
		var ce *ChainError
		require.ErrorAs(t, err, &ce)
		assert.Len(t, ce.Errors, 2)
		assert.ErrorIs(t, err, ErrNoFix)

		var pe *ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "gpsd", pe.Provider)
	})
}

func TestFix_JSON(t *testing.T) {
	ts := time.Unix(1700000000, 500000000)
	f := Fix{
		Lat:       Float(52.5),
		Lon:       Float(13.4),
		Accuracy:  Float(3),
		Source:    SourceGPSD,
		HostIP:    "192.168.1.20",
		Timestamp: ts,
	}

	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":52.5,"lon":13.4,"host_ip":"192.168.1.20","timestamp":1700000000.5,"gps_source":"gpsd","accuracy":3}`, string(b))

	var back Fix
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, *f.Lat, *back.Lat)
	assert.Equal(t, f.HostIP, back.HostIP)
	assert.WithinDuration(t, ts, back.Timestamp, time.Millisecond)

	b, err = json.Marshal(Fix{})
	require.NoError(t, err)
	assert.JSONEq(t, `{"lat":null,"lon":null,"host_ip":null,"timestamp":null}`, string(b))
}

func TestFix_Clone(t *testing.T) {
	f := Fix{Lat: Float(1), Lon: Float(2)}
	c := f.Clone()
	*c.Lat = 9
	assert.Equal(t, 1.0, *f.Lat)
	assert.True(t, c.HasPosition())
	assert.False(t, Fix{Lat: Float(1)}.HasPosition())
}

func TestIPLocator(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"198.51.100.7","loc":"40.7128,-74.0060"}`))
	}))
	defer srv.Close()

	l := NewIPLocator(srv.URL, srv.Client())
	l.hostIP = func() string { return "10.0.0.5" }

	fix, err := l.Locate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SourceIP, fix.Source)
	assert.Equal(t, "10.0.0.5", fix.HostIP)
	require.True(t, fix.HasPosition())
	assert.InDelta(t, 40.7128, *fix.Lat, 1e-9)
	assert.InDelta(t, -74.006, *fix.Lon, 1e-9)
}

func TestIPLocator_LookupFailureKeepsHostIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ip":"198.51.100.7"}`))
	}))
	defer srv.Close()

	l := NewIPLocator(srv.URL, srv.Client())
	l.hostIP = func() string { return "10.0.0.5" }

	fix, err := l.Locate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "10.0.0.5", fix.HostIP)
	assert.False(t, fix.HasPosition())
}

// store is a minimal locked Fix holder.
type store struct {
	mu  sync.Mutex
	fix Fix
}

func (s *store) update(fn func(*Fix)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.fix)
}

func (s *store) get() Fix {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fix.Clone()
}

func TestPoller_PreciseFix(t *testing.T) {
	st := &store{fix: Fix{HostIP: "10.0.0.5", Username: "sam"}}
	gps := NewChain(nil, &stubProvider{name: SourceGPSD, r: Reading{Lat: 1, Lon: 2, Accuracy: Float(4)}})
	p := NewPoller(gps, nil, time.Second, st.update, nil)

	assert.True(t, p.Poll(context.Background()))
	got := st.get()
	assert.Equal(t, SourceGPSD, got.Source)
	assert.Equal(t, 1.0, *got.Lat)
	assert.Equal(t, 4.0, *got.Accuracy)
	assert.Equal(t, "10.0.0.5", got.HostIP, "host IP must survive GPS updates")
	assert.Equal(t, "sam", got.Username)
	assert.False(t, got.Timestamp.IsZero())
}

func TestPoller_FallsBackToIP(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"loc":"48.85,2.35"}`))
	}))
	defer srv.Close()

	ip := NewIPLocator(srv.URL, srv.Client())
	ip.hostIP = func() string { return "10.1.2.3" }

	st := &store{fix: Fix{Accuracy: Float(5), Source: SourceGPSD}}
	gps := NewChain(nil, &stubProvider{name: SourceGPSD, err: ErrNoFix})
	p := NewPoller(gps, ip, time.Second, st.update, nil)

	assert.False(t, p.Poll(context.Background()))
	got := st.get()
	assert.Equal(t, SourceIP, got.Source)
	assert.Equal(t, "10.1.2.3", got.HostIP)
	assert.Nil(t, got.Accuracy)
	require.True(t, got.HasPosition())
	assert.InDelta(t, 48.85, *got.Lat, 1e-9)
}

func TestPoller_RunStopsOnCancel(t *testing.T) {
	st := &store{}
	gps := &stubProvider{name: SourceGPSD, r: Reading{Lat: 1, Lon: 1}}
	p := NewPoller(NewChain(nil, gps), nil, 10*time.Millisecond, st.update, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return st.get().HasPosition() }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
