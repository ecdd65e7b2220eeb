package camera

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/disintegration/imaging"
)

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".tif": true, ".tiff": true,
}

// ImageSource plays a file or a directory of image files as a camera.
type ImageSource struct {
	mu     sync.Mutex
	paths  []string
	next   int
	loop   bool
	maxW   int
	maxH   int
	width  int
	height int
	closed bool
}

// OpenImages opens path, a single image or a directory of images played in
// name order. Frames larger than the requested size are scaled down to fit.
func OpenImages(path string, req Request) (*ImageSource, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, classifyFSError(path, err)
	}

	var paths []string
	if info.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, classifyFSError(path, err)
		}
		for _, e := range entries {
			if e.IsDir() || !imageExtensions[strings.ToLower(filepath.Ext(e.Name()))] {
				continue
			}
			paths = append(paths, filepath.Join(path, e.Name()))
		}
		sort.Strings(paths)
	} else {
		paths = []string{path}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: no images in %s", ErrNotFound, path)
	}

	src := &ImageSource{paths: paths, loop: req.Loop, maxW: req.Width, maxH: req.Height}

	// Probe the first frame so Size is known before the loop starts.
	first, err := src.load(paths[0])
	if err != nil {
		return nil, err
	}
	src.width, src.height = first.Bounds().Dx(), first.Bounds().Dy()
	return src, nil
}

func (s *ImageSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	if s.next >= len(s.paths) {
		if !s.loop {
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: end of image sequence", ErrClosed)
		}
		s.next = 0
	}
	path := s.paths[s.next]
	s.next++
	s.mu.Unlock()

	img, err := s.load(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.width, s.height = img.Bounds().Dx(), img.Bounds().Dy()
	s.mu.Unlock()
	return img, nil
}

func (s *ImageSource) load(path string) (image.Image, error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) {
			return nil, classifyFSError(path, err)
		}
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}
	if s.maxW > 0 && s.maxH > 0 && (img.Bounds().Dx() > s.maxW || img.Bounds().Dy() > s.maxH) {
		return imaging.Fit(img, s.maxW, s.maxH, imaging.Linear), nil
	}
	return img, nil
}

func (s *ImageSource) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.width, s.height
}

func (s *ImageSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

func classifyFSError(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, path, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return fmt.Errorf("failed to open %s: %w", path, err)
}

// StaticSource serves fixed in-memory frames in order.
type StaticSource struct {
	mu     sync.Mutex
	frames []image.Image
	next   int
	loop   bool
	closed bool
}

func NewStaticSource(loop bool, frames ...image.Image) *StaticSource {
	return &StaticSource{frames: frames, loop: loop}
}

func (s *StaticSource) Frame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.next >= len(s.frames) {
		if !s.loop || len(s.frames) == 0 {
			return nil, fmt.Errorf("%w: no more frames", ErrClosed)
		}
		s.next = 0
	}
	img := s.frames[s.next]
	s.next++
	return img, nil
}

func (s *StaticSource) Size() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return 0, 0
	}
	b := s.frames[0].Bounds()
	return b.Dx(), b.Dy()
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
