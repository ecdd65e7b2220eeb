// Package camera acquires live frames for the scanner.
//
// A Source is opened once per scanner run and owned by the caller. Frame
// returns whatever frame is current when it is called; sources never queue
// frames on behalf of a slow consumer.
package camera

import (
	"context"
	"errors"
	"image"
	"os"
	"strings"
)

var (
	ErrPermissionDenied = errors.New("camera permission denied")
	ErrUnsupported      = errors.New("camera capture unsupported")
	ErrNotFound         = errors.New("camera not found")
	// ErrClosed means the source will not produce more frames.
	ErrClosed = errors.New("camera closed")
)

type Facing string

const (
	FacingEnvironment Facing = "environment"
	FacingUser        Facing = "user"
)

// Request describes the preferred stream. Width and Height are hints.
type Request struct {
	Device string `json:"device"`
	Facing Facing `json:"facing"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
	// Loop replays file sequences instead of ending them.
	Loop bool `json:"loop"`
}

func DefaultRequest() Request {
	return Request{
		Device: "0",
		Facing: FacingEnvironment,
		Width:  1280,
		Height: 720,
		Loop:   true,
	}
}

type Source interface {
	Frame(ctx context.Context) (image.Image, error)
	Size() (width, height int)
	Close() error
}

type Opener interface {
	Open(ctx context.Context, req Request) (Source, error)
}

type OpenerFunc func(ctx context.Context, req Request) (Source, error)

func (f OpenerFunc) Open(ctx context.Context, req Request) (Source, error) {
	return f(ctx, req)
}

// Open picks a file-backed source for paths that exist on disk (or carry a
// "file:" prefix) and a capture device otherwise.
func Open(ctx context.Context, req Request) (Source, error) {
	if path, ok := strings.CutPrefix(req.Device, "file:"); ok {
		return OpenImages(path, req)
	}
	if _, err := os.Stat(req.Device); err == nil && !strings.HasPrefix(req.Device, "/dev/") {
		return OpenImages(req.Device, req)
	}
	return openDevice(ctx, req)
}

// DefaultOpener opens sources with Open.
var DefaultOpener Opener = OpenerFunc(Open)
