package detections

import (
	"fmt"
	"image"
	"runtime"
	"strings"
	"sync"

	"golang.org/x/sys/cpu"
)

var (
	hasAVX2  = cpu.X86.HasAVX2
	hasSSE41 = cpu.X86.HasSSE41
	hasNEON  = cpu.ARM64.HasASIMD
)

// CPUFeatures lists the vector extensions seen at startup.
func CPUFeatures() string {
	var features []string
	if hasAVX2 {
		features = append(features, "avx2")
	}
	if hasSSE41 {
		features = append(features, "sse4.1")
	}
	if hasNEON {
		features = append(features, "neon")
	}
	if len(features) == 0 {
		return "none"
	}
	return strings.Join(features, ",")
}

// Preprocessor converts a letterboxed square image into a planar float
// tensor normalized to [0,1].
type Preprocessor struct {
	size       int
	numWorkers int
}

func NewPreprocessor(size int) *Preprocessor {
	workers := runtime.GOMAXPROCS(0)
	// Wider chunks on vector-capable CPUs.
	if hasAVX2 || hasNEON {
		workers = max(1, workers/2)
	}
	return &Preprocessor{
		size:       size,
		numWorkers: workers,
	}
}

func (p *Preprocessor) Size() int { return p.size }

// Fill writes img into dst in [R plane][G plane][B plane] order.
func (p *Preprocessor) Fill(img image.Image, dst []float32) error {
	b := img.Bounds()
	if b.Dx() != p.size || b.Dy() != p.size {
		return fmt.Errorf("preprocess: image is %dx%d, want %dx%d", b.Dx(), b.Dy(), p.size, p.size)
	}
	if len(dst) < p.size*p.size*rgbChannels {
		return fmt.Errorf("preprocess: destination holds %d floats, needs %d", len(dst), p.size*p.size*rgbChannels)
	}

	switch pic := img.(type) {
	case *image.NRGBA:
		p.processParallel(func(start, end int) { p.processPix(pic.Pix, pic.Stride, dst, start, end) })
	case *image.RGBA:
		p.processParallel(func(start, end int) { p.processPix(pic.Pix, pic.Stride, dst, start, end) })
	default:
		p.processParallel(func(start, end int) { p.processGeneric(img, dst, start, end) })
	}
	return nil
}

func (p *Preprocessor) processParallel(rows func(start, end int)) {
	workers := p.numWorkers
	if p.size/workers < minRowsPerChunk {
		workers = max(1, p.size/minRowsPerChunk)
	}
	rowsPerWorker := p.size / workers

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		start := w * rowsPerWorker
		end := start + rowsPerWorker
		if w == workers-1 {
			end = p.size
		}
		go func(start, end int) {
			defer wg.Done()
			rows(start, end)
		}(start, end)
	}
	wg.Wait()
}

// processPix reads 8-bit RGBA/NRGBA rows directly. Alpha is ignored: the
// letterbox canvas is opaque.
func (p *Preprocessor) processPix(pix []uint8, stride int, buffer []float32, start, end int) {
	channelSize := p.size * p.size
	for y := start; y < end; y++ {
		row := pix[y*stride : y*stride+p.size*4]
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			buffer[i] = float32(row[x*4]) / 255.0
			buffer[channelSize+i] = float32(row[x*4+1]) / 255.0
			buffer[channelSize*2+i] = float32(row[x*4+2]) / 255.0
		}
	}
}

func (p *Preprocessor) processGeneric(img image.Image, buffer []float32, start, end int) {
	channelSize := p.size * p.size
	origin := img.Bounds().Min
	for y := start; y < end; y++ {
		offset := y * p.size
		for x := 0; x < p.size; x++ {
			i := offset + x
			r, g, b, _ := img.At(origin.X+x, origin.Y+y).RGBA()
			buffer[i] = float32(r>>8) / 255.0
			buffer[channelSize+i] = float32(g>>8) / 255.0
			buffer[channelSize*2+i] = float32(b>>8) / 255.0
		}
	}
}
