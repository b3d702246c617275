package web

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/teslashibe/go-depthsense/pkg/command"
	"github.com/teslashibe/go-depthsense/pkg/hub"
	"github.com/teslashibe/go-depthsense/pkg/viz"
	"gocv.io/x/gocv"
)

const boundary = "frame"

// placeholderJPEG is the blank frame served before the first publication.
func placeholderJPEG() ([]byte, error) {
	blank := gocv.NewMatWithSize(480, 640, gocv.MatTypeCV8UC3)
	defer blank.Close()
	return viz.EncodeJPEG(blank, viz.DefaultQuality)
}

// writePart writes one multipart/x-mixed-replace part.
func writePart(w *bufio.Writer, jpeg []byte) error {
	fmt.Fprintf(w, "--%s\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", boundary, len(jpeg))
	w.Write(jpeg)
	w.WriteString("\r\n")
	return w.Flush()
}

// handleVideo streams the latest visualization until the client leaves or
// the server stops.
func (s *Server) handleVideo(c *fiber.Ctx) error {
	c.Set(fiber.HeaderContentType, "multipart/x-mixed-replace; boundary="+boundary)
	c.Set(fiber.HeaderCacheControl, "no-cache")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		ticker := time.NewTicker(s.cfg.FrameInterval)
		defer ticker.Stop()

		for {
			frame := s.state.Snapshot().Frame
			if frame == nil {
				frame = s.placeholder
			}
			if frame != nil {
				if err := writePart(w, frame); err != nil {
					return
				}
			}
			select {
			case <-s.stopping:
				return
			case <-ticker.C:
			}
		}
	})
	return nil
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.status())
}

func (s *Server) handleLocation(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"location": s.state.Location()})
}

// fields reads the named values from a JSON object or form body.
func fields(c *fiber.Ctx, names ...string) (map[string]string, error) {
	out := make(map[string]string, len(names))
	if strings.HasPrefix(c.Get(fiber.HeaderContentType), fiber.MIMEApplicationJSON) {
		var body map[string]any
		if err := json.Unmarshal(c.Body(), &body); err != nil {
			return nil, err
		}
		for _, n := range names {
			switch v := body[n].(type) {
			case string:
				out[n] = v
			case float64:
				out[n] = strconv.FormatFloat(v, 'f', -1, 64)
			}
		}
		return out, nil
	}
	for _, n := range names {
		out[n] = c.FormValue(n)
	}
	return out, nil
}

func (s *Server) handleSetLocation(c *fiber.Ctx) error {
	f, err := fields(c, "lat", "lon", "username")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	rawLat, rawLon := strings.TrimSpace(f["lat"]), strings.TrimSpace(f["lon"])
	if rawLat == "" || rawLon == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lat and lon required"})
	}
	lat, errLat := strconv.ParseFloat(rawLat, 64)
	lon, errLon := strconv.ParseFloat(rawLon, 64)
	if err := errors.Join(errLat, errLon); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "lat and lon must be numbers"})
	}

	fix := s.state.SetManualLocation(lat, lon, strings.TrimSpace(f["username"]))
	s.logger.Info("manual location set", "lat", lat, "lon", lon, "username", fix.Username)

	return c.JSON(fiber.Map{
		"ok":  true,
		"lat": lat,
		"lon": lon,
		"ts":  float64(fix.Timestamp.UnixNano()) / 1e9,
	})
}

func (s *Server) handleCommand(c *fiber.Ctx) error {
	f, err := fields(c, "cmd")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid body"})
	}
	cmd := strings.TrimSpace(f["cmd"])
	if cmd == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing cmd"})
	}
	if s.relay == nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "no device configured"})
	}

	res := s.relay.Send(c.UserContext(), cmd)
	switch {
	case res.OK:
		return c.JSON(fiber.Map{"ok": true, "esp_resp": res.Detail})
	case res.Failure == command.EmptyCommand:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing cmd"})
	case res.Failure == command.InvalidCommand:
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid cmd", "detail": res.Detail})
	default:
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "failed", "detail": res.Detail})
	}
}

// handleStatusWS sends the current status, then hands the connection to the
// hub for updates.
func (s *Server) handleStatusWS(c *websocket.Conn) {
	if err := c.WriteJSON(s.status()); err != nil {
		return
	}
	hub.NewClient(s.hub, c).Run()
}
