package results

import (
	"errors"
	"image"
	"image/color"
	"io"
	"math"

	"github.com/disintegration/imaging"
)

const supersample = 3

var (
	background = color.NRGBA{R: 255, G: 255, B: 255, A: 255}
	axisColor  = color.NRGBA{R: 160, G: 160, B: 160, A: 255}
	lineColor  = color.NRGBA{R: 31, G: 119, B: 180, A: 255}
)

// Preview plots log10 flux against wavelength. Non-positive samples are
// dropped. The plot is drawn oversized and downsampled for smooth lines.
func Preview(points []Point, width, height int) (image.Image, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.New("preview dimensions must be positive")
	}
	var xs, ys []float64
	for _, p := range points {
		if p.Wavelength > 0 && p.Flux > 0 {
			xs = append(xs, p.Wavelength)
			ys = append(ys, math.Log10(p.Flux))
		}
	}
	if len(xs) < 2 {
		return nil, errors.New("not enough positive samples to plot")
	}

	w, h := width*supersample, height*supersample
	canvas := imaging.New(w, h, background)
	pad := 4 * supersample

	minX, maxX := bounds(xs)
	minY, maxY := bounds(ys)
	px := func(x float64) int { return pad + int((x-minX)/(maxX-minX)*float64(w-2*pad-1)) }
	py := func(y float64) int { return h - pad - 1 - int((y-minY)/(maxY-minY)*float64(h-2*pad-1)) }

	for x := pad; x < w-pad; x++ {
		canvas.SetNRGBA(x, h-pad-1, axisColor)
	}
	for y := pad; y < h-pad; y++ {
		canvas.SetNRGBA(pad, y, axisColor)
	}
	for i := 1; i < len(xs); i++ {
		line(canvas, px(xs[i-1]), py(ys[i-1]), px(xs[i]), py(ys[i]), lineColor)
	}
	return imaging.Resize(canvas, width, height, imaging.Lanczos), nil
}

// EncodePNG writes img as PNG.
func EncodePNG(w io.Writer, img image.Image) error {
	return imaging.Encode(w, img, imaging.PNG)
}

func bounds(vs []float64) (lo, hi float64) {
	lo, hi = vs[0], vs[0]
	for _, v := range vs[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	if hi == lo {
		hi = lo + 1
	}
	return lo, hi
}

// line draws a thick segment with Bresenham.
func line(img *image.NRGBA, x0, y0, x1, y1 int, c color.NRGBA) {
	dx, dy := abs(x1-x0), -abs(y1-y0)
	sx, sy := 1, 1
	if x0 > x1 {
		sx = -1
	}
	if y0 > y1 {
		sy = -1
	}
	e := dx + dy
	for {
		for ox := -1; ox <= 1; ox++ {
			for oy := -1; oy <= 1; oy++ {
				img.SetNRGBA(x0+ox, y0+oy, c)
			}
		}
		if x0 == x1 && y0 == y1 {
			return
		}
		e2 := 2 * e
		if e2 >= dy {
			e += dy
			x0 += sx
		}
		if e2 <= dx {
			e += dx
			y0 += sy
		}
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
