// Package web serves the HTTP boundary: the MJPEG debug stream, status and
// location queries, manual location updates, device commands and a
// websocket status feed.
package web

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-depthsense/pkg/command"
	"github.com/teslashibe/go-depthsense/pkg/hub"
	"github.com/teslashibe/go-depthsense/pkg/link"
	"github.com/teslashibe/go-depthsense/pkg/location"
	"github.com/teslashibe/go-depthsense/pkg/panes"
	"github.com/teslashibe/go-depthsense/pkg/state"
)

// Config holds server settings.
type Config struct {
	Addr string

	// FrameInterval paces /video parts.
	FrameInterval time.Duration

	// StatusPoll is how often the status feed checks for a new publication.
	StatusPoll time.Duration
}

// DefaultConfig listens on all interfaces at port 9999.
func DefaultConfig() Config {
	return Config{
		Addr:          "0.0.0.0:9999",
		FrameInterval: 33 * time.Millisecond,
		StatusPoll:    200 * time.Millisecond,
	}
}

// Commander delivers device commands.
type Commander interface {
	Send(ctx context.Context, cmd string) command.Result
}

// StatsSource reports link statistics.
type StatsSource interface {
	Stats() link.Stats
}

// Status is the body of GET /status and of every status feed message.
type Status struct {
	Tuple    panes.Occupancy       `json:"tuple"`
	Location location.Fix          `json:"location"`
	TS       float64               `json:"ts"`
	Seq      uint64                `json:"seq"`
	Links    map[string]link.Stats `json:"links,omitempty"`
	Feed     FeedStats             `json:"feed"`
}

// FeedStats describes the websocket status feed.
type FeedStats struct {
	Running bool   `json:"running"`
	Clients int    `json:"clients"`
	Dropped uint64 `json:"dropped"`
}

// Server is the HTTP server.
type Server struct {
	cfg    Config
	app    *fiber.App
	state  *state.Shared
	relay  Commander
	links  map[string]StatsSource
	hub    *hub.Hub
	logger *slog.Logger

	placeholder []byte

	stopping chan struct{}
	stopOnce sync.Once

	now func() time.Time
}

// New builds the server and its routes. relay may be nil, in which case the
// command endpoints answer 503. links are reported under their map keys in
// /status.
func New(cfg Config, st *state.Shared, relay Commander, links map[string]StatsSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = def.FrameInterval
	}
	if cfg.StatusPoll <= 0 {
		cfg.StatusPoll = def.StatusPoll
	}

	s := &Server{
		cfg:      cfg,
		state:    st,
		relay:    relay,
		links:    links,
		hub:      hub.New("status", logger),
		logger:   logger.With("component", "web"),
		stopping: make(chan struct{}),
		now:      time.Now,
	}

	ph, err := placeholderJPEG()
	if err != nil {
		s.logger.Warn("placeholder frame unavailable", "error", err)
	}
	s.placeholder = ph

	app := fiber.New(fiber.Config{
		AppName:               "depthsense",
		DisableStartupMessage: true,
	})
	app.Use(recover.New())
	app.Use(cors.New())

	app.Get("/video", s.handleVideo)
	app.Get("/status", s.handleStatus)
	app.Get("/location", s.handleLocation)
	app.Post("/set_location", s.handleSetLocation)
	app.Post("/esp/cmd", s.handleCommand)
	app.Post("/esp", s.handleCommand)

	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusWS))

	s.app = app
	return s
}

// Run listens on cfg.Addr until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then shuts the app down.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.hub.Run(ctx)
	go s.watchStatus(ctx)

	stop := context.AfterFunc(ctx, func() {
		s.stopOnce.Do(func() { close(s.stopping) })
		if err := s.app.ShutdownWithTimeout(2 * time.Second); err != nil {
			s.logger.Warn("web shutdown", "error", err)
		}
	})
	defer stop()

	s.logger.Info("web server listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// status assembles the current status document.
func (s *Server) status() Status {
	snap := s.state.Status()
	st := Status{
		Tuple:    snap.Occupancy,
		Location: snap.Location,
		TS:       float64(s.now().UnixNano()) / 1e9,
		Seq:      snap.Seq,
		Feed: FeedStats{
			Running: s.hub.IsRunning(),
			Clients: s.hub.ClientCount(),
			Dropped: s.hub.Dropped(),
		},
	}
	if len(s.links) > 0 {
		st.Links = make(map[string]link.Stats, len(s.links))
		for name, src := range s.links {
			st.Links[name] = src.Stats()
		}
	}
	return st
}

// watchStatus broadcasts the status whenever the publication counter moves.
func (s *Server) watchStatus(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.StatusPoll)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			seq := s.state.Seq()
			if seq == last {
				continue
			}
			last = seq
			if s.hub.ClientCount() == 0 {
				continue
			}
			if err := s.hub.BroadcastJSON(s.status()); err != nil {
				s.logger.Warn("status encode failed", "error", err)
			}
		}
	}
}
