// Command signstream is an interactive realtime interpretation client: it
// streams microphone audio and camera frames to a live model session and
// plays the interpreted speech back, printing the rolling transcript.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lucasreed/signstream/internal/capture"
	"github.com/lucasreed/signstream/internal/config"
	"github.com/lucasreed/signstream/internal/live"
	"github.com/lucasreed/signstream/internal/media"
	"github.com/lucasreed/signstream/internal/metrics"
	"github.com/lucasreed/signstream/internal/playback"
	"github.com/lucasreed/signstream/internal/session"
	"github.com/lucasreed/signstream/internal/transcript"
)

type options struct {
	configPath  string
	url         string
	model       string
	voice       string
	instruction string
	videoDevice string
	metricsAddr string
	startMuted  bool
	debug       bool
}

func main() {
	os.Exit(runMain())
}

func runMain() int {
	// Best effort: a missing .env is not an error.
	_ = godotenv.Load()

	var opt options
	flag.StringVar(&opt.configPath, "config", "", "Path to YAML config file (optional)")
	flag.StringVar(&opt.url, "url", "", "Websocket endpoint override")
	flag.StringVar(&opt.model, "model", "", "Model name override")
	flag.StringVar(&opt.voice, "voice", "", "Synthesis voice override")
	flag.StringVar(&opt.instruction, "instruction", "", "System instruction override")
	flag.StringVar(&opt.videoDevice, "video-device", "", "Camera device (avfoundation index on macOS, /dev/videoN on Linux)")
	flag.StringVar(&opt.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (overrides config)")
	flag.BoolVar(&opt.startMuted, "muted", false, "Start with the microphone gate muted")
	flag.BoolVar(&opt.debug, "debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(opt.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	applyOverrides(cfg, &opt)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "config validation failed:", err)
		return 2
	}

	logger := newLogger(cfg.Logging, opt.debug)
	slog.SetDefault(logger)

	apiKey, err := cfg.Session.APIKey()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		go serveMetrics(cfg.Metrics.Address, logger)
	}

	engine, err := playback.NewEngine(media.OutputSampleRate)
	if err != nil {
		logger.Error("open audio output", slog.String("error", err.Error()))
		return 1
	}
	defer engine.Close()

	devices := &hardwareDevices{
		logger: logger,
		camera: capture.CameraConfig{
			Device:     cfg.Video.Device,
			Width:      cfg.Video.Width,
			Height:     cfg.Video.Height,
			FrameRate:  cfg.Video.FrameRate,
			Quality:    cfg.Video.Quality,
			FFmpegPath: cfg.Video.FFmpegPath,
		},
	}

	ctrl := session.New(session.Config{
		Live: live.Config{
			URL:               cfg.Session.URL,
			APIKey:            apiKey,
			Model:             cfg.Session.Model,
			SystemInstruction: cfg.Session.SystemInstruction,
			Voice:             cfg.Session.Voice,
		},
		BlockSize:  cfg.Audio.BlockSize,
		StartMuted: opt.startMuted,
	}, devices, engine, logger, m, session.WithListener(&consoleListener{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := ctrl.Start(ctx); err != nil {
		return 1
	}
	defer ctrl.Stop()

	fmt.Println("session live. commands: /mute /unmute /probe <text> q")
	go func() {
		<-ctx.Done()
		// Ctrl-C: unblock the stdin loop by closing our side.
		os.Stdin.Close()
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "q" || line == "quit":
			return 0
		case line == "/mute":
			ctrl.Mute(true)
		case line == "/unmute":
			ctrl.Mute(false)
		case strings.HasPrefix(line, "/probe"):
			text := strings.TrimSpace(strings.TrimPrefix(line, "/probe"))
			if text == "" {
				fmt.Println("usage: /probe <text>")
				continue
			}
			if err := ctrl.Probe(text); err != nil {
				fmt.Fprintln(os.Stderr, "probe:", err)
			}
		default:
			fmt.Printf("unknown command %q (try /mute /unmute /probe <text> q)\n", line)
		}
	}
	return 0
}

func applyOverrides(cfg *config.Config, opt *options) {
	if opt.url != "" {
		cfg.Session.URL = opt.url
	}
	if opt.model != "" {
		cfg.Session.Model = opt.model
	}
	if opt.voice != "" {
		cfg.Session.Voice = opt.voice
	}
	if opt.instruction != "" {
		cfg.Session.SystemInstruction = opt.instruction
	}
	if opt.videoDevice != "" {
		cfg.Video.Device = opt.videoDevice
	}
	if opt.metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Address = opt.metricsAddr
	}
}

func newLogger(lc config.LoggingConfig, debug bool) *slog.Logger {
	level := lc.SlogLevel()
	if debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func serveMetrics(addr string, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	logger.Info("metrics listener", slog.String("addr", addr))
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics listener", slog.String("error", err.Error()))
	}
}

// hardwareDevices acquires the real capture hardware.
type hardwareDevices struct {
	logger *slog.Logger
	camera capture.CameraConfig
}

func (d *hardwareDevices) OpenMic() (capture.MicSource, error) {
	return capture.NewMalgoMic(media.InputSampleRate)
}

func (d *hardwareDevices) OpenCamera() (capture.CameraSource, error) {
	return capture.NewFFmpegCamera(d.camera, d.logger)
}

// consoleListener renders controller callbacks on the terminal.
type consoleListener struct{}

func (consoleListener) OnStateChange(from, to session.State) {
	fmt.Printf("[session] %s -> %s\n", from, to)
}

func (consoleListener) OnTranscript(m transcript.Message) {
	fmt.Printf("[%s] %s\n", m.Role, m.Text)
}

func (consoleListener) OnError(err error) {
	fmt.Fprintln(os.Stderr, "[session] error:", err)
}
