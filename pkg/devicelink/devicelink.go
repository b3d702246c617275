// Package devicelink streams occupancy tuples to the haptic actuator.
//
// The actuator reads ASCII lines of the form "(a, b, c)\n", one flag per
// pane. Updates are sampled: SendTuple only stores the latest value and a
// sender goroutine transmits whatever is pending once per interval, so the
// device never sees more than one line per interval and never a backlog.
// The interval is measured from the end of the previous write, so a slow
// device stretches the spacing instead of compressing it.
package devicelink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/teslashibe/go-depthsense/pkg/link"
	"github.com/teslashibe/go-depthsense/pkg/panes"
)

// DefaultInterval is the minimum spacing between two transmissions.
const DefaultInterval = 150 * time.Millisecond

// Config holds link settings.
type Config struct {
	Addr      string
	Interval  time.Duration
	KeepAlive time.Duration
}

// timer is the subset of time.Timer the sender uses.
type timer interface {
	C() <-chan time.Time
	Reset(d time.Duration)
	Stop()
}

type realTimer struct{ t *time.Timer }

func (r realTimer) C() <-chan time.Time    { return r.t.C }
func (r realTimer) Reset(d time.Duration) { r.t.Reset(d) }
func (r realTimer) Stop()                 { r.t.Stop() }

// Link is the device stream.
type Link struct {
	srv      *link.Server
	interval time.Duration
	logger   *slog.Logger

	mu         sync.Mutex
	pending    panes.Occupancy
	hasPending bool
	last       panes.Occupancy

	newTimer func(time.Duration) timer
}

// Listen binds the device port.
func Listen(cfg Config, logger *slog.Logger) (*Link, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	srv, err := link.Listen(link.Config{
		Name:      "device",
		Addr:      cfg.Addr,
		KeepAlive: cfg.KeepAlive,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Link{
		srv:      srv,
		interval: cfg.Interval,
		logger:   logger.With("component", "devicelink"),
		newTimer: func(d time.Duration) timer {
			return realTimer{time.NewTimer(d)}
		},
	}, nil
}

// Server exposes the underlying connection manager.
func (l *Link) Server() *link.Server { return l.srv }

// SendTuple queues o for the next transmission, replacing any value still
// pending. It never blocks on the network.
func (l *Link) SendTuple(o panes.Occupancy) {
	l.mu.Lock()
	l.pending = o
	l.hasPending = true
	l.mu.Unlock()
}

// Pending returns the value waiting to be sent, if any.
func (l *Link) Pending() (panes.Occupancy, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending, l.hasPending
}

// Run accepts the device and drains the mailbox until ctx is done.
func (l *Link) Run(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- l.srv.Serve(ctx) }()

	t := l.newTimer(l.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return <-errc
		case <-t.C():
			l.flush()
			t.Reset(l.interval)
		}
	}
}

// flush transmits the pending value. A value that could not be delivered
// stays pending unless a newer one arrived meanwhile.
func (l *Link) flush() {
	l.mu.Lock()
	if !l.hasPending {
		l.mu.Unlock()
		return
	}
	o := l.pending
	l.hasPending = false
	l.mu.Unlock()

	err := l.srv.Write(FormatTuple(o))
	if err == nil {
		l.mu.Lock()
		changed := l.last != o
		l.last = o
		l.mu.Unlock()
		if changed {
			l.logger.Debug("tuple sent", "tuple", o.String())
		}
		return
	}

	l.mu.Lock()
	if !l.hasPending {
		l.pending = o
		l.hasPending = true
	}
	l.mu.Unlock()

	if !errors.Is(err, link.ErrNoPeer) {
		l.logger.Debug("tuple not delivered", "error", err)
	}
}

// Close shuts the listener and the active connection.
func (l *Link) Close() error {
	return l.srv.Close()
}

// FormatTuple renders the wire line for o.
func FormatTuple(o panes.Occupancy) []byte {
	return []byte(o.String() + "\n")
}

// ParseTuple decodes one wire line. Surrounding whitespace is ignored.
func ParseTuple(line string) (panes.Occupancy, error) {
	var o panes.Occupancy

	s := strings.TrimSpace(line)
	if !strings.HasPrefix(s, "(") || !strings.HasSuffix(s, ")") {
		return o, fmt.Errorf("devicelink: malformed tuple %q", line)
	}
	parts := strings.Split(s[1:len(s)-1], ",")
	if len(parts) != panes.Count {
		return o, fmt.Errorf("devicelink: tuple %q has %d fields, want %d", line, len(parts), panes.Count)
	}
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 || v > 1 {
			return o, fmt.Errorf("devicelink: tuple %q field %d is not 0 or 1", line, i)
		}
		o[i] = uint8(v)
	}
	return o, nil
}
