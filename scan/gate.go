package scan

import (
	"fmt"
	"image"
	"sync"
)

// FaceBox is a detected face bounding box in frame pixel coordinates.
type FaceBox struct {
	X, Y, W, H int
}

// FaceDetector is an optional local face detection capability. Detect
// returns zero or more face bounding boxes for the frame; it should be
// fast enough to run every tick.
type FaceDetector interface {
	Detect(img image.Image) ([]FaceBox, error)
}

// GateThresholds are the tunable quality cutoffs. They are operating
// points, not invariants; ship defaults live in the config package.
type GateThresholds struct {
	// MinAreaFrac is the minimum face-box area as a fraction of frame area.
	MinAreaFrac float64
	// CenterBand is the maximum face-center offset from frame center,
	// as a fraction of the frame dimension per axis.
	CenterBand float64
	// MinBlurVar is the minimum Laplacian variance for a frame to count
	// as in focus.
	MinBlurVar float64
}

// Gate decides with purely local signal whether a frame is worth a
// remote identify call. With no detector it passes everything and
// flips a one-time degraded flag so the UI can say local gating is off.
type Gate struct {
	detector   FaceDetector
	thresholds GateThresholds

	mu       sync.Mutex
	degraded bool
}

// DefaultThresholds returns the shipped gate cutoffs.
func DefaultThresholds() GateThresholds {
	return GateThresholds{
		MinAreaFrac: 0.06,
		CenterBand:  0.22,
		MinBlurVar:  90,
	}
}

// NewGate builds a gate. detector may be nil.
func NewGate(detector FaceDetector, thresholds GateThresholds) *Gate {
	return &Gate{detector: detector, thresholds: thresholds}
}

// Degraded reports whether the gate has ever run without a local
// detector. It latches true and never resets.
func (g *Gate) Degraded() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.degraded
}

// Check reports whether the frame should be sent for identification.
// A rejection carries a human-readable hint; "no face in frame" is a
// normal outcome here, never an error. Only a failing detector returns
// a non-nil error.
func (g *Gate) Check(img image.Image) (ok bool, hint string, err error) {
	if g.detector == nil {
		g.mu.Lock()
		g.degraded = true
		g.mu.Unlock()
		return true, "", nil
	}

	faces, err := g.detector.Detect(img)
	if err != nil {
		return false, "", fmt.Errorf("detecting faces: %w", err)
	}
	switch {
	case len(faces) == 0:
		return false, "no face in frame", nil
	case len(faces) > 1:
		return false, "multiple faces in frame", nil
	}

	face := faces[0]
	bounds := img.Bounds()
	fw, fh := float64(bounds.Dx()), float64(bounds.Dy())
	if fw == 0 || fh == 0 {
		return false, "empty frame", nil
	}

	areaFrac := float64(face.W) * float64(face.H) / (fw * fh)
	if areaFrac < g.thresholds.MinAreaFrac {
		return false, "move closer to the camera", nil
	}

	cx := float64(face.X) + float64(face.W)/2
	cy := float64(face.Y) + float64(face.H)/2
	offX := cx/fw - 0.5
	offY := cy/fh - 0.5
	if abs(offX) > g.thresholds.CenterBand || abs(offY) > g.thresholds.CenterBand {
		return false, "center your face in the frame", nil
	}

	if focusScore(img) < g.thresholds.MinBlurVar {
		return false, "hold still, image is blurry", nil
	}

	return true, "", nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
