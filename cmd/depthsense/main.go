// depthsense runs the assistive navigation pipeline: camera, depth model,
// pane occupancy, actuator and companion links, HTTP status.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-depthsense/internal/app"
	"github.com/teslashibe/go-depthsense/internal/config"
	"github.com/teslashibe/go-depthsense/internal/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(2)
	}
	applyFlags(&cfg)

	log.Init(cfg.LogLevel)
	logger := log.L()

	a, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("configuration error", "error", err)
		os.Exit(2)
	}

	if err := a.Init(); err != nil {
		logger.Error("initialization failed", "error", err)
		os.Exit(1)
	}
	defer a.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Run(ctx); err != nil {
		logger.Error("runtime error", "error", err)
		a.Shutdown()
		os.Exit(1)
	}
	logger.Info("stopped")
}

// applyFlags overrides cfg with command line flags.
func applyFlags(cfg *config.Config) {
	debug := flag.Bool("debug", false, "Enable verbose debug logging")
	preview := flag.Bool("preview", cfg.Preview, "Show the debug view in a local window (q quits)")
	model := flag.String("model", "", "ONNX depth model path (overrides MODEL_PATH)")
	source := flag.String("source", "", "Camera index, video file or stream URL (overrides VIDEO_SOURCE)")
	backend := flag.String("backend", "", "DNN backend: cpu, cuda, openvino (overrides DNN_BACKEND)")
	fps := flag.Float64("fps", 0, "Target frame rate (overrides TARGET_FPS)")
	httpAddr := flag.String("http", "", "HTTP listen address (overrides HTTP_ADDR)")
	flag.Parse()

	if *debug {
		cfg.LogLevel = "debug"
	}
	cfg.Preview = *preview
	if *model != "" {
		cfg.ModelPath = *model
	}
	if *source != "" {
		cfg.VideoSource = *source
	}
	if *backend != "" {
		cfg.DNNBackend = *backend
	}
	if *fps > 0 {
		cfg.TargetFPS = *fps
	}
	if *httpAddr != "" {
		cfg.HTTPAddr = *httpAddr
	}
}
