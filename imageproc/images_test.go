package imageproc

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func uniformImage(w, h int, c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestPrepareShapeAndRange(t *testing.T) {
	img := uniformImage(10, 20, color.RGBA{255, 255, 255, 255})

	got := Prepare(img, 16, StandardMean, StandardSTD)
	if len(got) != 3*16*16 {
		t.Fatalf("len = %d, want %d", len(got), 3*16*16)
	}

	// white maps to the top of the normalized range
	for i, v := range got {
		if math.Abs(float64(v)-1) > 1e-5 {
			t.Fatalf("value %d = %v, want 1", i, v)
		}
	}
}

func TestNormalizeChannelFirst(t *testing.T) {
	img := uniformImage(2, 2, color.RGBA{255, 0, 0, 255})

	got := Normalize(img, StandardMean, StandardSTD)

	// red plane first, then green and blue
	for i := 0; i < 4; i++ {
		if got[i] != 1 {
			t.Errorf("r[%d] = %v, want 1", i, got[i])
		}
		if got[4+i] != -1 || got[8+i] != -1 {
			t.Errorf("g/b[%d] = %v, %v, want -1", i, got[4+i], got[8+i])
		}
	}
}

func TestToImageRoundTrip(t *testing.T) {
	src := uniformImage(4, 4, color.RGBA{200, 100, 50, 255})

	data := Normalize(src, StandardMean, StandardSTD)
	got := ToImage(data, 4, 4, StandardMean, StandardSTD)

	r, g, b, _ := got.At(2, 2).RGBA()
	if uint8(r>>8) != 200 || uint8(g>>8) != 100 || uint8(b>>8) != 50 {
		t.Errorf("pixel = (%d, %d, %d), want (200, 100, 50)", r>>8, g>>8, b>>8)
	}
}

func TestCompositeRemovesAlpha(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	// fully transparent pixels composite to the white background
	got := Composite(img)

	r, g, b, _ := got.At(0, 0).RGBA()
	if r>>8 != 255 || g>>8 != 255 || b>>8 != 255 {
		t.Errorf("pixel = (%d, %d, %d), want white", r>>8, g>>8, b>>8)
	}
}
