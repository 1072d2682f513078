package l2metrics

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
)

// minEdgePoints is the fewest edge pixels from which a tilt angle is trusted.
const minEdgePoints = 32

// edgeGradientThreshold is the Sobel magnitude above which a pixel counts as
// an edge. It sits between the low and high hysteresis bounds (50/150) used
// by the document analyzer's Canny pass.
const edgeGradientThreshold = 100.0

// histogram counts samples per intensity level over the view.
func histogram(p l1frames.Plane) []float64 {
	hist := make([]float64, 256)
	for y := p.Rect.Min.Y; y < p.Rect.Max.Y; y++ {
		for _, v := range p.Row(y) {
			hist[v]++
		}
	}
	return hist
}

var levels = func() []float64 {
	l := make([]float64, 256)
	for i := range l {
		l[i] = float64(i)
	}
	return l
}()

// Luminance returns the mean luma over the view, in [0,255].
func Luminance(p l1frames.Plane) float64 {
	if p.Len() == 0 {
		return 0
	}
	return stat.Mean(levels, histogram(p))
}

// GlareRatio returns the fraction of samples strictly brighter than
// pixelThreshold.
func GlareRatio(p l1frames.Plane, pixelThreshold uint8) float64 {
	if p.Len() == 0 {
		return 0
	}
	hist := histogram(p)
	return floats.Sum(hist[int(pixelThreshold)+1:]) / floats.Sum(hist)
}

// LaplacianVariance returns the population variance of the 4-neighbour
// Laplacian response over the interior of the view. Sharp images have a
// high variance; defocused or motion-blurred ones a low one.
func LaplacianVariance(p l1frames.Plane) float64 {
	r := p.Rect
	if r.Dx() < 3 || r.Dy() < 3 {
		return 0
	}
	resp := make([]float64, 0, (r.Dx()-2)*(r.Dy()-2))
	for y := r.Min.Y + 1; y < r.Max.Y-1; y++ {
		for x := r.Min.X + 1; x < r.Max.X-1; x++ {
			c := 4 * int(p.At(x, y))
			lap := int(p.At(x-1, y)) + int(p.At(x+1, y)) + int(p.At(x, y-1)) + int(p.At(x, y+1)) - c
			resp = append(resp, float64(lap))
		}
	}
	return stat.PopVariance(resp, nil)
}

// EdgeTilt estimates the rotation of the dominant rectangular outline in
// the view, in degrees folded into (-45, 45]. Edge pixels are found with a
// Sobel operator. Their gradient directions are averaged with period 90
// degrees, weighted by magnitude, so that all four sides of a rectangle
// vote for the same angle. ok is false when too few edges are present.
func EdgeTilt(p l1frames.Plane) (angle float64, ok bool) {
	r := p.Rect
	if r.Dx() < 3 || r.Dy() < 3 {
		return 0, false
	}

	var sins, coss []float64
	for y := r.Min.Y + 1; y < r.Max.Y-1; y++ {
		for x := r.Min.X + 1; x < r.Max.X-1; x++ {
			gx := -int(p.At(x-1, y-1)) - 2*int(p.At(x-1, y)) - int(p.At(x-1, y+1)) +
				int(p.At(x+1, y-1)) + 2*int(p.At(x+1, y)) + int(p.At(x+1, y+1))
			gy := -int(p.At(x-1, y-1)) - 2*int(p.At(x, y-1)) - int(p.At(x+1, y-1)) +
				int(p.At(x-1, y+1)) + 2*int(p.At(x, y+1)) + int(p.At(x+1, y+1))
			mag := math.Hypot(float64(gx), float64(gy))
			if mag <= edgeGradientThreshold {
				continue
			}
			phi := 4 * math.Atan2(float64(gy), float64(gx))
			sins = append(sins, mag*math.Sin(phi))
			coss = append(coss, mag*math.Cos(phi))
		}
	}
	if len(sins) < minEdgePoints {
		return 0, false
	}

	theta := math.Atan2(floats.Sum(sins), floats.Sum(coss)) / 4 * 180 / math.Pi
	return foldAngle(theta), true
}

// foldAngle maps an outline orientation onto (-45, 45], since a rectangle
// rotated by 90 degrees is the same rectangle.
func foldAngle(deg float64) float64 {
	for deg > 45 {
		deg -= 90
	}
	for deg <= -45 {
		deg += 90
	}
	return deg
}
