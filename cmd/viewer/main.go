// viewer connects to the depthsense companion link and reports what it
// receives: camera frames and location updates.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/teslashibe/go-depthsense/internal/log"
	"github.com/teslashibe/go-depthsense/pkg/companion"
	"github.com/teslashibe/go-depthsense/pkg/location"
	"github.com/teslashibe/go-depthsense/pkg/viz"
	"gocv.io/x/gocv"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5002", "depthsense companion link address")
	show := flag.Bool("show", false, "Display received frames (q quits)")
	save := flag.String("save", "", "Write the latest frame to this file")
	flag.Parse()

	log.Init("info")
	logger := log.Component("viewer")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var preview *viz.Preview
	if *show {
		preview = viz.NewPreview("depthsense viewer")
		defer preview.Close()
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", *addr)
	if err != nil {
		logger.Error("connect failed", "addr", *addr, "error", err)
		os.Exit(1)
	}
	defer conn.Close()
	context.AfterFunc(ctx, func() { conn.Close() })
	logger.Info("connected", "addr", *addr)

	r := bufio.NewReader(conn)
	frames := 0
	start := time.Now()
	for {
		msg, err := companion.ReadMessage(r, companion.DefaultMaxPayload)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, io.EOF) {
				logger.Error("stream error", "error", err)
				os.Exit(1)
			}
			return
		}

		switch msg.Tag {
		case companion.TagFrame:
			frames++
			if frames%30 == 1 {
				fps := float64(frames) / time.Since(start).Seconds()
				logger.Info("frame", "bytes", len(msg.Payload), "frames", frames, "fps", fps)
			}
			if *save != "" {
				if err := os.WriteFile(*save, msg.Payload, 0o644); err != nil {
					logger.Warn("save failed", "error", err)
				}
			}
			if preview != nil && showFrame(preview, msg.Payload, logger) {
				return
			}

		case companion.TagLocation:
			var fix location.Fix
			if err := fix.UnmarshalJSON(msg.Payload); err != nil {
				logger.Warn("bad location", "error", err)
				continue
			}
			logLocation(logger, fix)
		}
	}
}

// showFrame decodes and displays one frame. It reports whether to quit.
func showFrame(p *viz.Preview, jpeg []byte, logger *slog.Logger) bool {
	img, err := gocv.IMDecode(jpeg, gocv.IMReadColor)
	if err != nil {
		logger.Warn("undecodable frame", "error", err)
		return false
	}
	defer img.Close()
	if img.Empty() {
		return false
	}
	return p.Show(img)
}

func logLocation(logger *slog.Logger, fix location.Fix) {
	if !fix.HasPosition() {
		logger.Info("location unknown", "host_ip", fix.HostIP)
		return
	}
	logger.Info("location",
		"lat", *fix.Lat,
		"lon", *fix.Lon,
		"source", fix.Source,
		"username", fix.Username,
	)
}
