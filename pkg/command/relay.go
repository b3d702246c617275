// Package command forwards one-shot commands to the actuator's command
// port.
//
// Every command uses its own short-lived connection: dial, write one line,
// optionally read a short reply, close. Failures come back as a Result
// instead of an error so HTTP handlers can report them directly.
package command

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Commands understood by the stock actuator firmware. Other non-empty
// commands are forwarded unchanged.
const (
	Left  = "left"
	Right = "right"
	Both  = "both"
	Stop  = "stop"
)

// MaxReply is the largest reply read from the device.
const MaxReply = 512

// Failure classifies why a command was not delivered.
type Failure string

const (
	EmptyCommand   Failure = "empty_command"
	InvalidCommand Failure = "invalid_command"
	ConnectFailed  Failure = "connect_failed"
	SendFailed     Failure = "send_failed"
)

// Result is the outcome of Send. On success Detail holds the device reply,
// possibly empty. On failure it describes the problem.
type Result struct {
	OK      bool    `json:"ok"`
	Detail  string  `json:"detail"`
	Failure Failure `json:"failure,omitempty"`
}

// Config holds relay settings.
type Config struct {
	Addr           string
	ConnectTimeout time.Duration
	ReplyTimeout   time.Duration
}

// DefaultConfig returns the stock device address and timeouts.
func DefaultConfig() Config {
	return Config{
		Addr:           "10.87.74.192:8001",
		ConnectTimeout: time.Second,
		ReplyTimeout:   500 * time.Millisecond,
	}
}

// Dialer opens the command connection.
type Dialer interface {
	DialContext(ctx context.Context, network, addr string) (net.Conn, error)
}

// Relay sends commands.
type Relay struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger
}

// New creates a relay using a plain TCP dialer.
func New(cfg Config, logger *slog.Logger) *Relay {
	return NewWithDialer(cfg, &net.Dialer{}, logger)
}

// NewWithDialer creates a relay with a custom dialer.
func NewWithDialer(cfg Config, d Dialer, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		cfg:    cfg,
		dialer: d,
		logger: logger.With("component", "command"),
	}
}

// Addr returns the device command address.
func (r *Relay) Addr() string { return r.cfg.Addr }

// Send delivers cmd and returns the outcome. It never panics and never
// blocks longer than the connect and reply timeouts.
func (r *Relay) Send(ctx context.Context, cmd string) Result {
	cmd = strings.TrimSpace(cmd)
	if cmd == "" {
		return Result{Detail: "empty command", Failure: EmptyCommand}
	}
	if !printable(cmd) {
		return Result{Detail: "command must be a single line of printable ASCII", Failure: InvalidCommand}
	}

	dctx, cancel := context.WithTimeout(ctx, r.cfg.ConnectTimeout)
	conn, err := r.dialer.DialContext(dctx, "tcp", r.cfg.Addr)
	cancel()
	if err != nil {
		r.logger.Warn("command connect failed", "cmd", cmd, "addr", r.cfg.Addr, "error", err)
		return Result{Detail: "connect failed: " + err.Error(), Failure: ConnectFailed}
	}
	defer conn.Close()

	conn.SetWriteDeadline(time.Now().Add(r.cfg.ConnectTimeout))
	if _, err := conn.Write([]byte(cmd + "\n")); err != nil {
		r.logger.Warn("command send failed", "cmd", cmd, "error", err)
		return Result{Detail: "send failed: " + err.Error(), Failure: SendFailed}
	}

	// The reply is optional; a silent device still counts as delivered.
	conn.SetReadDeadline(time.Now().Add(r.cfg.ReplyTimeout))
	buf := make([]byte, MaxReply)
	n, _ := conn.Read(buf)
	reply := strings.TrimSpace(asciiOnly(buf[:n]))

	r.logger.Info("command sent", "cmd", cmd, "reply", reply)
	return Result{OK: true, Detail: reply}
}

// printable reports whether s holds only printable ASCII, so it goes out as
// exactly one line.
func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}

// asciiOnly drops bytes outside 7-bit ASCII.
func asciiOnly(b []byte) string {
	var sb strings.Builder
	sb.Grow(len(b))
	for _, c := range b {
		if c < 0x80 {
			sb.WriteByte(c)
		}
	}
	return sb.String()
}
