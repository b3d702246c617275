// Package companion streams camera frames and location updates to the
// companion viewer.
//
// Both kinds share one TCP stream as tagged, length-prefixed messages (see
// Encode). Each message goes out in a single write under the link's write
// lock, so frames and locations never interleave.
package companion

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/teslashibe/go-depthsense/pkg/link"
)

// Config holds link settings.
type Config struct {
	Addr      string
	KeepAlive time.Duration
}

// Link is the companion stream.
type Link struct {
	srv    *link.Server
	logger *slog.Logger
}

// Listen binds the companion port.
func Listen(cfg Config, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	srv, err := link.Listen(link.Config{
		Name:       "companion",
		Addr:       cfg.Addr,
		KeepAlive:  cfg.KeepAlive,
		DrainReads: true,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Link{
		srv:    srv,
		logger: logger.With("component", "companion"),
	}, nil
}

// Server exposes the underlying connection manager.
func (l *Link) Server() *link.Server { return l.srv }

// OnConnect registers fn to run whenever a viewer connects.
func (l *Link) OnConnect(fn func()) { l.srv.OnConnect(fn) }

// Run accepts viewers until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	return l.srv.Serve(ctx)
}

// SendFrame sends an encoded image. It returns link.ErrNoPeer while no
// viewer is connected.
func (l *Link) SendFrame(jpeg []byte) error {
	return l.send(TagFrame, jpeg)
}

// SendLocation sends v encoded as JSON.
func (l *Link) SendLocation(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("companion: encode location: %w", err)
	}
	return l.send(TagLocation, payload)
}

func (l *Link) send(tag Tag, payload []byte) error {
	msg, err := Encode(tag, payload)
	if err != nil {
		return err
	}
	return l.srv.Write(msg)
}

// Close shuts the listener and the active connection.
func (l *Link) Close() error {
	return l.srv.Close()
}
