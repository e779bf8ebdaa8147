package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/your-org/faceid/internal/config"
)

func testCameraConfig(device string) config.CameraConfig {
	return config.CameraConfig{
		Device:  device,
		Width:   640,
		Height:  480,
		Timeout: time.Second,
	}
}

func TestAcquire_MissingDeviceIsUnavailable(t *testing.T) {
	c := NewController(testCameraConfig(filepath.Join(t.TempDir(), "video-absent")))

	_, err := c.Acquire(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestAcquire_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewController(testCameraConfig("/dev/video0"))
	_, err := c.Acquire(ctx)
	assert.Error(t, err)
}

func TestRelease_Idempotent(t *testing.T) {
	device := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	c := NewController(testCameraConfig(device))
	h, err := c.Acquire(context.Background())
	require.NoError(t, err)

	h.Release()
	h.Release()
	h.Release()
}

func TestCaptureFrame_AfterReleaseFails(t *testing.T) {
	device := filepath.Join(t.TempDir(), "video0")
	require.NoError(t, os.WriteFile(device, nil, 0o600))

	c := NewController(testCameraConfig(device))
	h, err := c.Acquire(context.Background())
	require.NoError(t, err)

	h.Release()

	_, err = h.CaptureFrame(context.Background())
	assert.Error(t, err)
}
