// Package app wires the depthsense runtime together.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-depthsense/internal/config"
	"github.com/teslashibe/go-depthsense/pkg/camera"
	"github.com/teslashibe/go-depthsense/pkg/command"
	"github.com/teslashibe/go-depthsense/pkg/companion"
	"github.com/teslashibe/go-depthsense/pkg/depth"
	"github.com/teslashibe/go-depthsense/pkg/devicelink"
	"github.com/teslashibe/go-depthsense/pkg/location"
	"github.com/teslashibe/go-depthsense/pkg/panes"
	"github.com/teslashibe/go-depthsense/pkg/pipeline"
	"github.com/teslashibe/go-depthsense/pkg/state"
	"github.com/teslashibe/go-depthsense/pkg/viz"
	"github.com/teslashibe/go-depthsense/pkg/web"
)

// App owns every component and their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger

	state     *state.Shared
	device    *devicelink.Link
	companion *companion.Link
	relay     *command.Relay
	poller    *location.Poller
	web       *web.Server
	loop      *pipeline.Loop
}

// New validates cfg and creates an application. Nothing is opened yet.
func New(cfg config.Config, logger *slog.Logger) (*App, error) {
	if problems := cfg.Validate(); len(problems) > 0 {
		return nil, fmt.Errorf("app: invalid config: %v", problems)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// State returns the shared state. It is nil before Init.
func (a *App) State() *state.Shared { return a.state }

// Init binds the links, opens the camera and loads the model. On failure
// everything opened so far is released.
func (a *App) Init() error {
	cfg := a.cfg
	a.state = state.New()

	dev, err := devicelink.Listen(devicelink.Config{
		Addr:      cfg.DeviceAddr,
		Interval:  cfg.DeviceSendInterval,
		KeepAlive: cfg.KeepAlive,
	}, a.logger)
	if err != nil {
		return fmt.Errorf("device link: %w", err)
	}
	a.device = dev

	comp, err := companion.Listen(companion.Config{
		Addr:      cfg.CompanionAddr,
		KeepAlive: cfg.KeepAlive,
	}, a.logger)
	if err != nil {
		dev.Close()
		return fmt.Errorf("companion link: %w", err)
	}
	a.companion = comp
	comp.OnConnect(a.greetViewer)

	a.relay = command.New(command.Config{
		Addr:           cfg.CommandAddr,
		ConnectTimeout: cfg.CommandConnectTimeout,
		ReplyTimeout:   cfg.CommandReplyTimeout,
	}, a.logger)

	gps := location.NewChain(a.logger,
		location.NewGPSD(cfg.GPSDAddr, cfg.GPSTimeout),
		location.NewSerial(cfg.GPSSerialDevice, cfg.GPSBaudRate, cfg.GPSTimeout),
	)
	a.poller = location.NewPoller(gps, location.NewIPLocator(cfg.GeoIPURL, nil),
		cfg.LocationInterval, a.state.UpdateLocation, a.logger)

	a.web = web.New(web.Config{Addr: cfg.HTTPAddr}, a.state, a.relay, map[string]web.StatsSource{
		"device":    dev.Server(),
		"companion": comp.Server(),
	}, a.logger)

	deps := pipeline.Deps{
		OpenSource:    a.openCamera,
		LoadEstimator: a.loadEstimator,
		Detector:      panes.Detector{Threshold: cfg.CloseThreshold, MinArea: cfg.MinBlobArea},
		State:         a.state,
		Device:        dev,
		Viewer:        comp,
		Closers:       []io.Closer{dev, comp},
	}
	if cfg.Preview {
		deps.Preview = viz.NewPreview("depthsense")
	}

	a.loop = pipeline.New(pipeline.Config{
		TargetFPS:        cfg.TargetFPS,
		LocationInterval: cfg.LocationInterval,
		JPEGQuality:      cfg.JPEGQuality,
	}, deps, a.logger)

	return a.loop.Init()
}

func (a *App) openCamera() (camera.Source, error) {
	c, err := camera.Open(camera.Config{
		Source:   a.cfg.VideoSource,
		Width:    a.cfg.FrameWidth,
		Height:   a.cfg.FrameHeight,
		Mirror:   a.cfg.Mirror,
		Rotation: a.cfg.Rotation,
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (a *App) loadEstimator() (pipeline.Estimator, error) {
	est, err := depth.New(depth.Config{
		ModelPath: a.cfg.ModelPath,
		InputSize: a.cfg.ModelInputSize,
		Backend:   a.cfg.DNNBackend,
		Invert:    a.cfg.InvertDepth,
		Cubic:     a.cfg.CubicResize,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	return est, nil
}

// greetViewer sends the current location to a newly connected viewer.
func (a *App) greetViewer() {
	if err := a.companion.SendLocation(a.state.Location()); err != nil {
		a.logger.Debug("viewer greeting failed", "error", err)
	}
}

// Run starts the background services and blocks in the frame loop. It
// returns nil on a clean stop (ctx cancelled or preview closed) and the
// loop's error otherwise. Background services are stopped before Run
// returns.
func (a *App) Run(ctx context.Context) error {
	if a.loop == nil {
		return pipeline.ErrNotInitialized
	}

	ctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	spawn := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("service stopped", "service", name, "error", err)
			}
		}()
	}

	spawn("device", a.device.Run)
	spawn("companion", a.companion.Run)
	spawn("web", a.web.Run)
	spawn("location", func(ctx context.Context) error {
		a.poller.Run(ctx)
		return nil
	})

	a.logger.Info("depthsense running",
		"device", a.cfg.DeviceAddr,
		"companion", a.cfg.CompanionAddr,
		"http", a.cfg.HTTPAddr,
	)
	return a.loop.Run(ctx)
}

// Shutdown releases everything. It is safe to call after Run and more than
// once.
func (a *App) Shutdown() error {
	if a.loop == nil {
		return nil
	}
	return a.loop.Shutdown()
}
