package scan

import (
	"image"

	"golang.org/x/image/draw"
)

// thumbWidth is the width of the grayscale thumbnail the focus measure
// runs over. Small enough to be cheap per tick, large enough that a
// genuinely sharp face keeps edge energy after downscaling.
const thumbWidth = 64

// focusScore returns the variance of a discrete Laplacian over a small
// grayscale thumbnail of img. Sharp frames have high-frequency edge
// content and score high; defocused or motion-blurred frames score low.
func focusScore(img image.Image) float64 {
	gray := grayThumbnail(img, thumbWidth)
	w := gray.Rect.Dx()
	h := gray.Rect.Dy()
	if w < 3 || h < 3 {
		return 0
	}

	// 4-neighbour Laplacian, interior pixels only.
	n := 0
	sum := 0.0
	sumSq := 0.0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			c := float64(gray.GrayAt(x, y).Y)
			lap := float64(gray.GrayAt(x-1, y).Y) +
				float64(gray.GrayAt(x+1, y).Y) +
				float64(gray.GrayAt(x, y-1).Y) +
				float64(gray.GrayAt(x, y+1).Y) - 4*c
			sum += lap
			sumSq += lap * lap
			n++
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}

func grayThumbnail(img image.Image, width int) *image.Gray {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return image.NewGray(image.Rect(0, 0, 0, 0))
	}
	height := b.Dy() * width / b.Dx()
	if height < 1 {
		height = 1
	}
	small := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.ApproxBiLinear.Scale(small, small.Bounds(), img, b, draw.Src, nil)

	gray := image.NewGray(small.Bounds())
	draw.Draw(gray, gray.Bounds(), small, small.Bounds().Min, draw.Src)
	return gray
}
