package l1frames

import (
	"fmt"
	"image"
	"sync"
	"time"
)

// PixelFormat identifies the memory layout of a frame buffer.
type PixelFormat int

const (
	FormatUnknown PixelFormat = iota
	// FormatGray8 is a single 8-bit luma plane.
	FormatGray8
	// FormatYUV420 is planar I420: full Y plane, then quarter-size U and V planes.
	FormatYUV420
	// FormatNV21 is a full Y plane followed by an interleaved VU plane.
	FormatNV21
	// FormatRGBA is packed 8-bit RGBA.
	FormatRGBA
)

func (f PixelFormat) String() string {
	switch f {
	case FormatGray8:
		return "gray8"
	case FormatYUV420:
		return "yuv420"
	case FormatNV21:
		return "nv21"
	case FormatRGBA:
		return "rgba"
	default:
		return fmt.Sprintf("format(%d)", int(f))
	}
}

// FrameFormatError reports a frame whose buffer cannot be interpreted.
// It is fatal to that frame only.
type FrameFormatError struct {
	Format PixelFormat
	Reason string
}

func (e *FrameFormatError) Error() string {
	return fmt.Sprintf("unsupported frame %s: %s", e.Format, e.Reason)
}

// Layout describes a frame buffer handed over by a producer.
type Layout struct {
	Width     int
	Height    int
	Stride    int // bytes per luma row; 0 means tightly packed
	Rotation  int // clockwise degrees needed to display upright: 0, 90, 180 or 270
	Format    PixelFormat
	Timestamp time.Time
	// TrackingID identifies the subject as tracked by the producer, if known.
	TrackingID int
}

// Frame is an immutable snapshot of pixel data. The buffer belongs to the
// producer; Release must be called exactly once when analysis is done with
// it, on every path. Release is idempotent.
type Frame struct {
	layout  Layout
	data    []byte
	release func()
	once    sync.Once
}

// NewFrame wraps a producer buffer. release may be nil.
func NewFrame(layout Layout, data []byte, release func()) *Frame {
	if layout.Stride == 0 {
		layout.Stride = layout.Width
		if layout.Format == FormatRGBA {
			layout.Stride = layout.Width * 4
		}
	}
	return &Frame{layout: layout, data: data, release: release}
}

func (f *Frame) Width() int              { return f.layout.Width }
func (f *Frame) Height() int             { return f.layout.Height }
func (f *Frame) Stride() int             { return f.layout.Stride }
func (f *Frame) Rotation() int           { return f.layout.Rotation }
func (f *Frame) Format() PixelFormat     { return f.layout.Format }
func (f *Frame) Timestamp() time.Time    { return f.layout.Timestamp }
func (f *Frame) TrackingID() int         { return f.layout.TrackingID }
func (f *Frame) Bounds() image.Rectangle { return image.Rect(0, 0, f.layout.Width, f.layout.Height) }

// Release hands the buffer back to the producer.
func (f *Frame) Release() {
	if f == nil {
		return
	}
	f.once.Do(func() {
		if f.release != nil {
			f.release()
		}
	})
}

// Plane is a read-only view of an 8-bit single-channel image.
type Plane struct {
	Pix    []byte
	Stride int
	Rect   image.Rectangle
}

// At returns the sample at (x, y) in plane coordinates.
func (p Plane) At(x, y int) uint8 {
	return p.Pix[y*p.Stride+x]
}

// Width returns the number of columns in the view.
func (p Plane) Width() int { return p.Rect.Dx() }

// Height returns the number of rows in the view.
func (p Plane) Height() int { return p.Rect.Dy() }

// Len returns the number of samples in the view.
func (p Plane) Len() int { return p.Rect.Dx() * p.Rect.Dy() }

// Sub restricts the view to r, clipped to the current bounds.
func (p Plane) Sub(r image.Rectangle) Plane {
	return Plane{Pix: p.Pix, Stride: p.Stride, Rect: r.Intersect(p.Rect)}
}

// Row returns the samples of row y within the view.
func (p Plane) Row(y int) []byte {
	start := y*p.Stride + p.Rect.Min.X
	return p.Pix[start : start+p.Rect.Dx()]
}

// Luma returns the frame's luma plane. Planar YUV and gray frames are viewed
// in place; RGBA frames are converted with BT.601 weights.
func (f *Frame) Luma() (Plane, error) {
	w, h, stride := f.layout.Width, f.layout.Height, f.layout.Stride
	if w <= 0 || h <= 0 {
		return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("bad dimensions %dx%d", w, h)}
	}

	switch f.layout.Format {
	case FormatGray8, FormatYUV420, FormatNV21:
		if stride < w {
			return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("stride %d below width %d", stride, w)}
		}
		if need := stride*(h-1) + w; len(f.data) < need {
			return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("buffer has %d bytes, need %d", len(f.data), need)}
		}
		return Plane{Pix: f.data, Stride: stride, Rect: image.Rect(0, 0, w, h)}, nil

	case FormatRGBA:
		if stride < 4*w {
			return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("stride %d below 4*width %d", stride, 4*w)}
		}
		if need := stride*(h-1) + 4*w; len(f.data) < need {
			return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("buffer has %d bytes, need %d", len(f.data), need)}
		}
		pix := make([]byte, w*h)
		for y := 0; y < h; y++ {
			row := f.data[y*stride:]
			for x := 0; x < w; x++ {
				r, g, b := uint32(row[4*x]), uint32(row[4*x+1]), uint32(row[4*x+2])
				pix[y*w+x] = uint8((299*r + 587*g + 114*b + 500) / 1000)
			}
		}
		return Plane{Pix: pix, Stride: w, Rect: image.Rect(0, 0, w, h)}, nil

	default:
		return Plane{}, &FrameFormatError{Format: f.layout.Format, Reason: "no luma plane"}
	}
}
