package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/teslashibe/go-depthsense/pkg/camera"
	"github.com/teslashibe/go-depthsense/pkg/depth"
	"github.com/teslashibe/go-depthsense/pkg/location"
	"github.com/teslashibe/go-depthsense/pkg/panes"
	"github.com/teslashibe/go-depthsense/pkg/state"
	"gocv.io/x/gocv"
)

const (
	testW = 60
	testH = 45
)

// fakeSource yields frames frames and then ErrNoFrame.
type fakeSource struct {
	mu     sync.Mutex
	frames int
	closed bool
}

func (s *fakeSource) Read() (camera.Frame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frames == 0 {
		return camera.Frame{}, camera.ErrNoFrame
	}
	if s.frames > 0 {
		s.frames--
	}
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(90, 90, 90, 0), testH, testW, gocv.MatTypeCV8UC3)
	return camera.Frame{Mat: m, Width: testW, Height: testH, CapturedAt: time.Now()}, nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSource) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// fakeEstimator returns a map with a near block in the left pane.
type fakeEstimator struct {
	err    error
	closed bool
}

func (e *fakeEstimator) Estimate(frame gocv.Mat) (depth.Map, error) {
	if e.err != nil {
		return depth.Map{}, e.err
	}
	m := depth.NewMap(frame.Cols(), frame.Rows())
	m.Fill(2, 10, 18, 35, 0.95)
	return m, nil
}

func (e *fakeEstimator) Close() error {
	e.closed = true
	return nil
}

type recordingDevice struct {
	mu     sync.Mutex
	tuples []panes.Occupancy
}

func (d *recordingDevice) SendTuple(o panes.Occupancy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tuples = append(d.tuples, o)
}

type recordingViewer struct {
	frames    int
	locations []any
}

func (v *recordingViewer) SendFrame(b []byte) error {
	v.frames++
	return nil
}

func (v *recordingViewer) SendLocation(x any) error {
	v.locations = append(v.locations, x)
	return nil
}

type quitPreview struct {
	after  int
	shown  int
	closed bool
}

func (p *quitPreview) Show(gocv.Mat) bool {
	p.shown++
	return p.shown >= p.after
}

func (p *quitPreview) Close() error {
	p.closed = true
	return nil
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func testDeps(src *fakeSource, est *fakeEstimator, st *state.Shared) Deps {
	return Deps{
		OpenSource:    func() (camera.Source, error) { return src, nil },
		LoadEstimator: func() (Estimator, error) { return est, nil },
		Detector:      panes.Detector{Threshold: 0.70, MinArea: 50},
		State:         st,
	}
}

func fastConfig() Config {
	return Config{TargetFPS: 1000, LocationInterval: time.Hour, JPEGQuality: 80}
}

func TestStateString(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{StateInit, "init"},
		{StateRunning, "running"},
		{StateShutdown, "shutdown"},
		{State(9), "state(9)"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestInterval(t *testing.T) {
	tests := []struct {
		fps  float64
		want time.Duration
	}{
		{30, time.Second / 30},
		{1, time.Second},
		{0, time.Second},
		{-5, time.Second},
	}
	for _, tt := range tests {
		l := New(Config{TargetFPS: tt.fps}, Deps{}, nil)
		if got := l.Interval(); got != tt.want {
			t.Errorf("Interval(fps=%v) = %v, want %v", tt.fps, got, tt.want)
		}
	}
}

func TestRun_CaptureStopReleasesEverything(t *testing.T) {
	src := &fakeSource{frames: 3}
	est := &fakeEstimator{}
	st := state.New()
	dev := &recordingDevice{}
	closed := false

	deps := testDeps(src, est, st)
	deps.Device = dev
	deps.Closers = append(deps.Closers, closerFunc(func() error { closed = true; return nil }))

	l := New(fastConfig(), deps, nil)
	require.NoError(t, l.Init())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrCaptureStopped)

	assert.Equal(t, StateShutdown, l.State())
	assert.True(t, src.isClosed())
	assert.True(t, est.closed)
	assert.True(t, closed)
	assert.EqualValues(t, 3, l.Frames())

	snap := st.Snapshot()
	assert.EqualValues(t, 3, snap.Seq)
	assert.Equal(t, panes.Occupancy{1, 0, 0}, snap.Occupancy)
	require.NotEmpty(t, snap.Frame)
	assert.Equal(t, []byte{0xff, 0xd8}, snap.Frame[:2], "published frame is a JPEG")

	require.Len(t, dev.tuples, 3)
	for _, tu := range dev.tuples {
		assert.Equal(t, panes.Occupancy{1, 0, 0}, tu)
	}
}

func TestRun_InferenceErrorIsFatal(t *testing.T) {
	src := &fakeSource{frames: -1}
	est := &fakeEstimator{err: errors.New("bad output shape")}

	l := New(fastConfig(), testDeps(src, est, state.New()), nil)
	require.NoError(t, l.Init())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrInference)
	assert.Contains(t, err.Error(), "bad output shape")
	assert.True(t, src.isClosed())
	assert.True(t, est.closed)
}

func TestInit_ModelFailureReleasesSource(t *testing.T) {
	src := &fakeSource{frames: -1}
	deps := testDeps(src, nil, state.New())
	deps.LoadEstimator = func() (Estimator, error) { return nil, depth.ErrModelNotFound }

	l := New(fastConfig(), deps, nil)
	err := l.Init()
	require.ErrorIs(t, err, depth.ErrModelNotFound)
	assert.True(t, src.isClosed())
	assert.Equal(t, StateShutdown, l.State())

	assert.ErrorIs(t, l.Run(context.Background()), ErrNotInitialized)
}

func TestRun_WithoutInit(t *testing.T) {
	l := New(fastConfig(), Deps{}, nil)
	assert.ErrorIs(t, l.Run(context.Background()), ErrNotInitialized)
}

func TestRun_CancelReturnsNil(t *testing.T) {
	src := &fakeSource{frames: -1}
	est := &fakeEstimator{}
	st := state.New()

	l := New(Config{TargetFPS: 50, LocationInterval: time.Hour}, testDeps(src, est, st), nil)
	require.NoError(t, l.Init())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return st.Seq() >= 2 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, src.isClosed())
	assert.Equal(t, StateShutdown, l.State())
}

func TestRun_PreviewQuit(t *testing.T) {
	src := &fakeSource{frames: -1}
	pv := &quitPreview{after: 2}
	deps := testDeps(src, &fakeEstimator{}, state.New())
	deps.Preview = pv

	l := New(fastConfig(), deps, nil)
	require.NoError(t, l.Init())

	require.NoError(t, l.Run(context.Background()))
	assert.Equal(t, 2, pv.shown)
	assert.True(t, pv.closed)
	assert.True(t, src.isClosed())
}

func TestRun_LocationCadence(t *testing.T) {
	src := &fakeSource{frames: 5}
	st := state.New()
	st.SetManualLocation(37.77, -122.42, "")
	viewer := &recordingViewer{}

	deps := testDeps(src, &fakeEstimator{}, st)
	deps.Viewer = viewer

	l := New(Config{TargetFPS: 1000, LocationInterval: 10 * time.Second}, deps, nil)

	// Each cycle reads the clock twice for pacing and once for the cadence.
	clock := time.Unix(1_700_000_000, 0)
	l.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	require.NoError(t, l.Init())

	err := l.Run(context.Background())
	require.ErrorIs(t, err, ErrCaptureStopped)

	assert.Equal(t, 5, viewer.frames)
	// Cadence clock readings are 3s apart: sent at 0s and 12s.
	require.Len(t, viewer.locations, 2)
	fix, ok := viewer.locations[0].(location.Fix)
	require.True(t, ok)
	assert.Equal(t, location.SourceManual, fix.Source)
	require.NotNil(t, fix.Lat)
	assert.InDelta(t, 37.77, *fix.Lat, 1e-9)
}

func TestShutdown_Once(t *testing.T) {
	calls := 0
	l := New(fastConfig(), Deps{}, nil)
	l.deps.Closers = append(l.deps.Closers, closerFunc(func() error {
		calls++
		return errors.New("boom")
	}))

	err1 := l.Shutdown()
	err2 := l.Shutdown()
	require.Error(t, err1)
	assert.Equal(t, err1, err2)
	assert.Equal(t, 1, calls)
}
