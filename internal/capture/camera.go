package capture

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"sync"
)

// CameraConfig describes the camera capture graph.
type CameraConfig struct {
	// Device is the platform device identifier (avfoundation index on
	// macOS, /dev/videoN on Linux).
	Device string
	// Width and Height are the downsized output dimensions.
	Width, Height int
	// FrameRate is the source capture rate in frames per second.
	FrameRate int
	// Quality is the ffmpeg JPEG qscale (2 best .. 31 worst); 7 lands near
	// a 0.6 quality factor.
	Quality int
	// FFmpegPath overrides the ffmpeg binary location.
	FFmpegPath string
}

func (c *CameraConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 360
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 10
	}
	if c.Quality <= 0 {
		c.Quality = 7
	}
	if strings.TrimSpace(c.FFmpegPath) == "" {
		c.FFmpegPath = "ffmpeg"
	}
}

// FFmpegCamera samples camera frames from an ffmpeg MJPEG pipe. ffmpeg does
// the downsizing and JPEG encoding; this side only splits the stream into
// frames and keeps the newest one.
type FFmpegCamera struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	logger *slog.Logger

	mu     sync.Mutex
	latest []byte
	closed bool
}

// NewFFmpegCamera acquires the camera by starting the capture process. A
// spawn failure means the device could not be acquired.
func NewFFmpegCamera(cfg CameraConfig, logger *slog.Logger) (*FFmpegCamera, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	cmd := exec.Command(cfg.FFmpegPath, cameraArgs(cfg)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}
	stderr, _ := cmd.StderrPipe()

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("acquire camera: %w", err)
	}

	c := &FFmpegCamera{cmd: cmd, stdout: stdout, logger: logger}
	go c.readFrames()
	go drainProcessStderr(stderr, logger)
	return c, nil
}

func cameraArgs(cfg CameraConfig) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	switch runtime.GOOS {
	case "darwin":
		// avfoundation input is `<video>:<audio>`; audio stays unopened.
		args = append(args,
			"-f", "avfoundation",
			"-framerate", fmt.Sprintf("%d", cfg.FrameRate),
			"-i", fmt.Sprintf("%s:none", cfg.Device),
		)
	default:
		args = append(args,
			"-f", "v4l2",
			"-framerate", fmt.Sprintf("%d", cfg.FrameRate),
			"-i", cfg.Device,
		)
	}
	args = append(args,
		"-vf", fmt.Sprintf("scale=%d:%d", cfg.Width, cfg.Height),
		"-vcodec", "mjpeg",
		"-q:v", fmt.Sprintf("%d", cfg.Quality),
		"-f", "image2pipe",
		"-",
	)
	return args
}

// Frame returns a copy of the newest complete frame, or nil before the
// first frame has been decoded.
func (c *FFmpegCamera) Frame() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.latest == nil {
		return nil
	}
	out := make([]byte, len(c.latest))
	copy(out, c.latest)
	return out
}

// Close stops the capture process. Idempotent.
func (c *FFmpegCamera) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.stdout.Close()
	if c.cmd.Process != nil {
		_ = c.cmd.Process.Kill()
		_, _ = c.cmd.Process.Wait()
	}
	return nil
}

func (c *FFmpegCamera) readFrames() {
	scanner := newFrameScanner()
	reader := bufio.NewReaderSize(c.stdout, 64*1024)
	buf := make([]byte, 32*1024)
	for {
		n, err := reader.Read(buf)
		if n > 0 {
			for _, frame := range scanner.Append(buf[:n]) {
				c.mu.Lock()
				c.latest = frame
				c.mu.Unlock()
			}
		}
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if !closed {
				c.logger.Warn("camera stream ended", "error", err)
			}
			return
		}
	}
}

// frameScanner splits an MJPEG byte stream into complete JPEG frames using
// the SOI (FFD8) and EOI (FFD9) markers.
type frameScanner struct {
	buf []byte
}

func newFrameScanner() *frameScanner {
	return &frameScanner{}
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// Append feeds stream data and returns any frames completed by it.
func (s *frameScanner) Append(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var frames [][]byte
	for {
		start := bytes.Index(s.buf, jpegSOI)
		if start < 0 {
			// No frame start in view; keep only the final byte in case it
			// is the first half of a marker.
			if len(s.buf) > 1 {
				s.buf = s.buf[len(s.buf)-1:]
			}
			return frames
		}
		end := bytes.Index(s.buf[start+2:], jpegEOI)
		if end < 0 {
			s.buf = s.buf[start:]
			return frames
		}
		frameEnd := start + 2 + end + 2
		frame := make([]byte, frameEnd-start)
		copy(frame, s.buf[start:frameEnd])
		frames = append(frames, frame)
		s.buf = s.buf[frameEnd:]
	}
}

func drainProcessStderr(r io.ReadCloser, logger *slog.Logger) {
	if r == nil {
		return
	}
	defer r.Close()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		logger.Warn("camera capture", "ffmpeg", line)
	}
}
