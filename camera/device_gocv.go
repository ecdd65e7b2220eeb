//go:build gocv

package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"strconv"
	"sync"

	"gocv.io/x/gocv"
)

// DeviceSource reads frames from a V4L2/AVFoundation/DirectShow device
// through OpenCV. Facing has no meaning for these backends and is ignored.
type DeviceSource struct {
	mu     sync.Mutex
	cap    *gocv.VideoCapture
	mat    gocv.Mat
	width  int
	height int
	closed bool
}

func openDevice(ctx context.Context, req Request) (Source, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var target interface{} = req.Device
	if id, err := strconv.Atoi(req.Device); err == nil {
		target = id
	}

	vc, err := gocv.OpenVideoCapture(target)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, req.Device, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.Device)
	}

	if req.Width > 0 && req.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(req.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(req.Height))
	}

	return &DeviceSource{
		cap:    vc,
		mat:    gocv.NewMat(),
		width:  int(vc.Get(gocv.VideoCaptureFrameWidth)),
		height: int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}, nil
}

func (d *DeviceSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	if ok := d.cap.Read(&d.mat); !ok {
		return nil, fmt.Errorf("%w: device stopped delivering frames", ErrClosed)
	}
	if d.mat.Empty() {
		return nil, errors.New("empty frame")
	}

	img, err := d.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	d.width, d.height = img.Bounds().Dx(), img.Bounds().Dy()
	return img, nil
}

func (d *DeviceSource) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

func (d *DeviceSource) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	if err := d.mat.Close(); err != nil {
		d.cap.Close()
		return err
	}
	return d.cap.Close()
}
