// Package imageproc prepares images for the encoder and converts
// reconstructions back to images.
package imageproc

import (
	"image"
	"image/color"

	"golang.org/x/image/draw"
)

var (
	// StandardMean and StandardSTD map pixel values into [-1, 1], the
	// range the autoencoder is trained on.
	StandardMean = [3]float32{0.5, 0.5, 0.5}
	StandardSTD  = [3]float32{0.5, 0.5, 0.5}

	ClipDefaultMean = [3]float32{0.48145466, 0.4578275, 0.40821073}
	ClipDefaultSTD  = [3]float32{0.26862954, 0.26130258, 0.27577711}
)

const (
	ResizeBilinear = iota
	ResizeNearestNeighbor
	ResizeApproxBilinear
	ResizeCatmullrom
)

// Composite returns an image with the alpha channel removed by drawing over a white background.
func Composite(img image.Image) image.Image {
	white := color.RGBA{255, 255, 255, 255}
	return CompositeColor(img, white)
}

// CompositeColor returns an image with the alpha channel removed by drawing over a background color.
func CompositeColor(img image.Image, color color.Color) image.Image {
	dst := image.NewRGBA(img.Bounds())
	draw.Draw(dst, dst.Bounds(), &image.Uniform{color}, image.Point{}, draw.Src)
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Over)
	return dst
}

// Resize returns an image which has been scaled to a new size.
func Resize(img image.Image, newSize image.Point, method int) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, newSize.X, newSize.Y))

	kernels := map[int]draw.Interpolator{
		ResizeBilinear:        draw.BiLinear,
		ResizeNearestNeighbor: draw.NearestNeighbor,
		ResizeApproxBilinear:  draw.ApproxBiLinear,
		ResizeCatmullrom:      draw.CatmullRom,
	}

	kernel, ok := kernels[method]
	if !ok {
		panic("no resizing method found")
	}

	kernel.Scale(dst, dst.Rect, img, img.Bounds(), draw.Over, nil)

	return dst
}

// Normalize returns the r, g, b values of an image rescaled to [0, 1]
// and normalized around a mean, in channel-first order.
func Normalize(img image.Image, mean, std [3]float32) []float32 {
	bounds := img.Bounds()
	n := bounds.Dx() * bounds.Dy()

	pixelVals := make([]float32, 0, 3*n)
	rVals := make([]float32, 0, n)
	gVals := make([]float32, 0, n)
	bVals := make([]float32, 0, n)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			c := img.At(x, y)
			r, g, b, _ := c.RGBA()

			rVal := float32(r>>8) / 255.0
			gVal := float32(g>>8) / 255.0
			bVal := float32(b>>8) / 255.0

			rVals = append(rVals, (rVal-mean[0])/std[0])
			gVals = append(gVals, (gVal-mean[1])/std[1])
			bVals = append(bVals, (bVal-mean[2])/std[2])
		}
	}

	pixelVals = append(pixelVals, rVals...)
	pixelVals = append(pixelVals, gVals...)
	pixelVals = append(pixelVals, bVals...)
	return pixelVals
}

// Prepare composites, resizes to a square, and normalizes an image into
// the channel-first float32 layout the encoder expects.
func Prepare(img image.Image, size int, mean, std [3]float32) []float32 {
	img = Composite(img)
	img = Resize(img, image.Point{size, size}, ResizeBilinear)
	return Normalize(img, mean, std)
}

// ToImage converts one channel-first reconstruction back to an image,
// undoing the normalization and clamping to displayable range.
func ToImage(data []float32, height, width int, mean, std [3]float32) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	plane := height * width

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			i := y*width + x
			r := clampByte((data[i]*std[0] + mean[0]) * 255.0)
			g := clampByte((data[plane+i]*std[1] + mean[1]) * 255.0)
			b := clampByte((data[2*plane+i]*std[2] + mean[2]) * 255.0)
			img.SetRGBA(x, y, color.RGBA{r, g, b, 255})
		}
	}

	return img
}

func clampByte(v float32) uint8 {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return uint8(v + 0.5)
}
