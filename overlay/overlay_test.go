package overlay

import (
	"image"
	"image/color"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Tutortoise/object-scanner-service/detections"
	"github.com/Tutortoise/object-scanner-service/models"
)

func TestSurface_BitmapSize(t *testing.T) {
	w, h := Surface{CSSWidth: 375, CSSHeight: 667, DPR: 3}.BitmapSize()
	assert.Equal(t, 1125, w)
	assert.Equal(t, 2001, h)

	w, h = Surface{CSSWidth: 100.4, CSSHeight: 50.5, DPR: 1}.BitmapSize()
	assert.Equal(t, 100, w)
	assert.Equal(t, 51, h)

	assert.Error(t, Surface{CSSWidth: 0, CSSHeight: 10, DPR: 1}.Validate())
	assert.Error(t, Surface{CSSWidth: 10, CSSHeight: 10, DPR: 0}.Validate())
	assert.NoError(t, Surface{CSSWidth: 10, CSSHeight: 10, DPR: 1.5}.Validate())
}

func TestLabelText(t *testing.T) {
	assert.Equal(t, "person 87%", LabelText("person", 0.87))
	assert.Equal(t, "id:95 100%", LabelText("id:95", 0.999))
}

func TestPlaceLabel(t *testing.T) {
	tests := []struct {
		name         string
		x, y         float64
		wantX, wantY float64
	}{
		{"above box", 100, 200, 100, 180},
		{"moved inside near top", 100, 20, 100, 20},
		{"clamped to top margin", 100, 5, 100, 12},
		{"clamped left", 2, 200, 12, 180},
		{"clamped right", 380, 200, 328, 180},
		{"clamped bottom", 100, 395, 100, 368},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			x, y := PlaceLabel(tt.x, tt.y, 60, 20, 400, 400, 12)
			assert.InDelta(t, tt.wantX, x, 1e-9)
			assert.InDelta(t, tt.wantY, y, 1e-9)
		})
	}
}

func TestPalette(t *testing.T) {
	p := DefaultPalette()
	assert.Equal(t, color.NRGBA{R: 0, G: 0xb3, B: 0xff, A: 255}, p.Stroke("person"))
	assert.Equal(t, color.NRGBA{R: 0, G: 0xff, B: 0x88, A: 255}, p.Stroke("cup"))

	bg := p.LabelBackground("cup").(color.NRGBA)
	assert.Less(t, bg.G, uint8(0xff))
}

func TestRenderer_Render(t *testing.T) {
	style := DefaultStyle()
	style.GlowRadius = 0
	r, err := NewRenderer(style)
	require.NoError(t, err)

	s := Surface{CSSWidth: 100, CSSHeight: 100, DPR: 2}
	boxes := []models.ScreenBox{{X: 20, Y: 40, W: 50, H: 30, Label: "cup", Confidence: 0.9}}

	img, err := r.Render(s, boxes, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 200, 200), img.Bounds())

	// Midpoint of the left edge carries the stroke color.
	assert.Equal(t, color.NRGBA{R: 0, G: 0xff, B: 0x88, A: 255}, img.NRGBAAt(40, 110))
	// Far corner stays transparent.
	assert.Equal(t, uint8(0), img.NRGBAAt(199, 199).A)
}

func TestRenderer_GlowAndHUD(t *testing.T) {
	r, err := NewRenderer(DefaultStyle())
	require.NoError(t, err)

	s := Surface{CSSWidth: 160, CSSHeight: 120, DPR: 1}
	boxes := []models.ScreenBox{{X: 40, Y: 50, W: 60, H: 40, Label: "dog", Confidence: 0.5}}

	img, err := r.Render(s, boxes, []string{"Camera ready", "Model loaded"})
	require.NoError(t, err)

	// Glow bleeds outside the stroke.
	assert.NotZero(t, img.NRGBAAt(40-4, 70).A)
	// HUD panel is drawn at the top-left margin.
	assert.NotZero(t, img.NRGBAAt(14, 14).A)

	_, err = r.Render(Surface{}, boxes, nil)
	assert.Error(t, err)
}

func TestRenderer_RenderFrame(t *testing.T) {
	r, err := NewRenderer(DefaultStyle())
	require.NoError(t, err)

	frame := image.NewNRGBA(image.Rect(0, 0, 64, 32))
	for i := range frame.Pix {
		frame.Pix[i] = 255
	}
	s := Surface{CSSWidth: 64, CSSHeight: 64, DPR: 1}
	display, err := detections.ComputeDisplay(64, 32, s.Viewport(detections.FitContain))
	require.NoError(t, err)

	img, err := r.RenderFrame(s, frame, display, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 64, 64), img.Bounds())
	// Pillarbox bars above and below the frame stay black.
	assert.Equal(t, color.NRGBA{A: 255}, img.NRGBAAt(32, 4))
	assert.Equal(t, color.NRGBA{R: 255, G: 255, B: 255, A: 255}, img.NRGBAAt(32, 32))
}

func TestRenderer_ConcurrentRender(t *testing.T) {
	r, err := NewRenderer(DefaultStyle())
	require.NoError(t, err)

	s := Surface{CSSWidth: 120, CSSHeight: 90, DPR: 2}
	boxes := []models.ScreenBox{
		{X: 10, Y: 30, W: 40, H: 30, Label: "person", Confidence: 0.91},
		{X: 60, Y: 40, W: 30, H: 20, Label: "cup", Confidence: 0.42},
	}
	want, err := r.Render(s, boxes, []string{"Scanning"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 8*20)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				img, err := r.Render(s, boxes, []string{"Scanning"})
				if err != nil {
					errs <- err
					continue
				}
				if !assert.Equal(t, want.Pix, img.Pix) {
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}
