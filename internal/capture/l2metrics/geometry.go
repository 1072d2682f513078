package l2metrics

import "image"

// Viewfinder returns the centred region of a frame the user sees through
// the zoomed preview: the frame shrunk by scale in each dimension.
func Viewfinder(frame image.Rectangle, scale float64) image.Rectangle {
	if scale <= 1 {
		return frame
	}
	w := int(float64(frame.Dx()) / scale)
	h := int(float64(frame.Dy()) / scale)
	x0 := frame.Min.X + (frame.Dx()-w)/2
	y0 := frame.Min.Y + (frame.Dy()-h)/2
	return image.Rect(x0, y0, frame.Max.X-(x0-frame.Min.X), frame.Max.Y-(y0-frame.Min.Y))
}

// FillRatio is the box area as a fraction of the frame area.
func FillRatio(box, frame image.Rectangle) float64 {
	fa := frame.Dx() * frame.Dy()
	if fa == 0 {
		return 0
	}
	b := box.Intersect(frame)
	return float64(b.Dx()*b.Dy()) / float64(fa)
}

// FaceSelection is the outcome of filtering detector hits against the
// viewfinder.
type FaceSelection struct {
	Face         Face
	Count        int
	FullyVisible bool
}

// SelectFace discards faces whose centre lies outside the viewfinder or
// whose area is below minArea of the frame, then reports the first remaining
// face, how many remained and whether that face lies wholly inside the
// viewfinder.
func SelectFace(faces []Face, frame image.Rectangle, viewfinderScale, minArea float64) FaceSelection {
	vf := Viewfinder(frame, viewfinderScale)
	var sel FaceSelection
	for _, f := range faces {
		centre := image.Pt((f.Box.Min.X+f.Box.Max.X)/2, (f.Box.Min.Y+f.Box.Max.Y)/2)
		if !centre.In(vf) {
			continue
		}
		if FillRatio(f.Box, frame) <= minArea {
			continue
		}
		if sel.Count == 0 {
			sel.Face = f
			sel.FullyVisible = f.Box.In(vf)
		}
		sel.Count++
	}
	return sel
}

// EyesClosed reports whether both eyes are classified and below threshold.
func EyesClosed(f Face, threshold float64) bool {
	if !f.EyesClassified {
		return false
	}
	return f.LeftEyeOpen < threshold && f.RightEyeOpen < threshold
}
