package scan

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// FrameSource is a live video handle. Frame blocks until the next
// frame is available; Stop releases the camera and is safe to call
// more than once. Camera handles are a scarce, user-visible resource,
// so every exit path of a scan session must reach Stop.
type FrameSource interface {
	Frame(ctx context.Context) (image.Image, error)
	Stop()
}

// CaptureOptions bound the size of the JPEG sent upstream.
type CaptureOptions struct {
	// MaxDim caps the longest side of the encoded frame, in pixels.
	MaxDim int
	// Quality is the starting JPEG quality (1-100).
	Quality int
	// MaxBytes caps the encoded size; quality is stepped down until the
	// frame fits or hits the floor.
	MaxBytes int
}

// DefaultCaptureOptions match a webcam frame downsampled for a
// recognition backend that wants faces, not megapixels.
func DefaultCaptureOptions() CaptureOptions {
	return CaptureOptions{MaxDim: 640, Quality: 80, MaxBytes: 256 << 10}
}

const minJPEGQuality = 30

// CaptureJPEG downsamples img so its longest side is at most MaxDim
// and encodes it as a JPEG no larger than MaxBytes.
func CaptureJPEG(img image.Image, opts CaptureOptions) ([]byte, error) {
	if opts.MaxDim <= 0 || opts.Quality <= 0 {
		d := DefaultCaptureOptions()
		if opts.MaxDim <= 0 {
			opts.MaxDim = d.MaxDim
		}
		if opts.Quality <= 0 {
			opts.Quality = d.Quality
		}
	}

	img = downscale(img, opts.MaxDim)

	quality := opts.Quality
	for {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return nil, fmt.Errorf("encoding frame: %w", err)
		}
		if opts.MaxBytes <= 0 || buf.Len() <= opts.MaxBytes || quality <= minJPEGQuality {
			return buf.Bytes(), nil
		}
		quality -= 10
		if quality < minJPEGQuality {
			quality = minJPEGQuality
		}
	}
}

func downscale(img image.Image, maxDim int) image.Image {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= maxDim && h <= maxDim {
		return img
	}
	if w >= h {
		h = h * maxDim / w
		w = maxDim
	} else {
		w = w * maxDim / h
		h = maxDim
	}
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}
