// Package capture owns the camera device and produces still frames on
// demand. The handle is a scoped resource: acquired once per flow, released
// on every exit path.
package capture

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/your-org/faceid/internal/config"
)

// ErrUnavailable means the camera cannot be acquired: device missing,
// permission denied, or busy. Fatal for the current flow; callers must
// offer a non-biometric fallback.
var ErrUnavailable = errors.New("camera unavailable")

// Frame is a single captured still. Transient: never persisted.
type Frame struct {
	Data       []byte // JPEG bytes
	Width      int
	Height     int
	CapturedAt time.Time
}

// Camera acquires scoped camera handles.
type Camera interface {
	Acquire(ctx context.Context) (Handle, error)
}

// Handle is an acquired camera. CaptureFrame extracts one still
// synchronously; Release is idempotent and must be called on every exit
// path.
type Handle interface {
	CaptureFrame(ctx context.Context) (Frame, error)
	Release()
}

// Controller acquires the local video device and grabs stills through
// ffmpeg.
type Controller struct {
	cfg config.CameraConfig
}

func NewController(cfg config.CameraConfig) *Controller {
	return &Controller{cfg: cfg}
}

// Acquire opens the device to confirm presence and permission, and holds
// the descriptor for the lifetime of the handle.
func (c *Controller) Acquire(ctx context.Context) (Handle, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	f, err := os.OpenFile(c.cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, c.cfg.Device, err)
	}

	return &deviceHandle{
		device:  c.cfg.Device,
		width:   c.cfg.Width,
		height:  c.cfg.Height,
		timeout: c.cfg.Timeout,
		file:    f,
	}, nil
}

type deviceHandle struct {
	device  string
	width   int
	height  int
	timeout time.Duration

	mu       sync.Mutex
	file     *os.File
	released bool
}

// CaptureFrame grabs a single MJPEG still from the device.
func (h *deviceHandle) CaptureFrame(ctx context.Context) (Frame, error) {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return Frame{}, fmt.Errorf("capture frame: handle released")
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-f", "v4l2",
		"-video_size", fmt.Sprintf("%dx%d", h.width, h.height),
		"-i", h.device,
		"-frames:v", "1",
		"-f", "image2",
		"-vcodec", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return Frame{}, fmt.Errorf("capture frame: %w", ctx.Err())
		}
		detail := strings.TrimSpace(stderr.String())
		if detail != "" {
			return Frame{}, fmt.Errorf("capture frame: %v: %s", err, detail)
		}
		return Frame{}, fmt.Errorf("capture frame: %w", err)
	}

	data := stdout.Bytes()
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("capture frame: no image data from device")
	}

	return Frame{
		Data:       data,
		Width:      h.width,
		Height:     h.height,
		CapturedAt: time.Now(),
	}, nil
}

// Release closes the device descriptor. Safe to call more than once.
func (h *deviceHandle) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.released {
		return
	}
	h.released = true
	_ = h.file.Close()
}
