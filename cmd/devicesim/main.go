// devicesim stands in for the haptic actuator: it consumes the occupancy
// stream from depthsense and answers one-shot commands.
package main

import (
	"bufio"
	"context"
	"flag"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/teslashibe/go-depthsense/internal/log"
	"github.com/teslashibe/go-depthsense/pkg/command"
	"github.com/teslashibe/go-depthsense/pkg/devicelink"
)

const retryDelay = time.Second

func main() {
	streamAddr := flag.String("stream", "127.0.0.1:5001", "depthsense device link address")
	cmdAddr := flag.String("cmd", "127.0.0.1:8001", "Command port to listen on")
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	flag.Parse()

	level := "info"
	if *debug {
		level = "debug"
	}
	log.Init(level)
	logger := log.Component("devicesim")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	ln, err := net.Listen("tcp", *cmdAddr)
	if err != nil {
		logger.Error("command port", "error", err)
		os.Exit(1)
	}
	context.AfterFunc(ctx, func() { ln.Close() })
	go serveCommands(ln, logger)

	for ctx.Err() == nil {
		if err := consume(ctx, *streamAddr, logger); err != nil {
			logger.Warn("stream lost", "error", err)
		}
		select {
		case <-ctx.Done():
		case <-time.After(retryDelay):
		}
	}
}

// consume reads tuples until the connection drops.
func consume(ctx context.Context, addr string, logger *slog.Logger) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	logger.Info("connected to stream", "addr", addr)
	sc := bufio.NewScanner(conn)
	for sc.Scan() {
		o, err := devicelink.ParseTuple(sc.Text())
		if err != nil {
			logger.Warn("bad tuple", "line", sc.Text(), "error", err)
			continue
		}
		logger.Info("tuple", "left", o[0], "center", o[1], "right", o[2])
	}
	return sc.Err()
}

// serveCommands answers each command connection with "ok <cmd>".
func serveCommands(ln net.Listener, logger *slog.Logger) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go func() {
			defer conn.Close()
			conn.SetDeadline(time.Now().Add(2 * time.Second))
			line, err := bufio.NewReader(conn).ReadString('\n')
			if err != nil && line == "" {
				return
			}
			cmd := strings.TrimSpace(line)
			switch cmd {
			case command.Left, command.Right, command.Both, command.Stop:
			default:
				logger.Warn("unknown command", "cmd", cmd)
			}
			logger.Info("command", "cmd", cmd)
			conn.Write([]byte("ok " + cmd + "\n"))
		}()
	}
}
