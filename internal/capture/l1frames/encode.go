package l1frames

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"

	"golang.org/x/image/draw"
)

// jpegQuality matches the compression used for submitted selfies.
const jpegQuality = 90

// Image converts the frame buffer into an image.Image without applying
// rotation. Gray frames map to *image.Gray, YUV frames to *image.YCbCr and
// RGBA frames to *image.RGBA.
func (f *Frame) Image() (image.Image, error) {
	w, h, stride := f.layout.Width, f.layout.Height, f.layout.Stride
	rect := image.Rect(0, 0, w, h)

	switch f.layout.Format {
	case FormatGray8:
		if _, err := f.Luma(); err != nil {
			return nil, err
		}
		return &image.Gray{Pix: f.data, Stride: stride, Rect: rect}, nil

	case FormatYUV420, FormatNV21:
		ySize := stride * h
		cw, ch := (w+1)/2, (h+1)/2
		if need := ySize + 2*cw*ch; len(f.data) < need {
			return nil, &FrameFormatError{Format: f.layout.Format, Reason: fmt.Sprintf("buffer has %d bytes, need %d", len(f.data), need)}
		}
		img := &image.YCbCr{
			Y:              f.data[:ySize],
			YStride:        stride,
			CStride:        cw,
			SubsampleRatio: image.YCbCrSubsampleRatio420,
			Rect:           rect,
		}
		if f.layout.Format == FormatYUV420 {
			img.Cb = f.data[ySize : ySize+cw*ch]
			img.Cr = f.data[ySize+cw*ch : ySize+2*cw*ch]
			return img, nil
		}
		// NV21 stores V then U, interleaved.
		img.Cb = make([]byte, cw*ch)
		img.Cr = make([]byte, cw*ch)
		vu := f.data[ySize:]
		for i := 0; i < cw*ch; i++ {
			img.Cr[i] = vu[2*i]
			img.Cb[i] = vu[2*i+1]
		}
		return img, nil

	case FormatRGBA:
		if _, err := f.Luma(); err != nil {
			return nil, err
		}
		return &image.RGBA{Pix: f.data, Stride: stride, Rect: rect}, nil

	default:
		return nil, &FrameFormatError{Format: f.layout.Format, Reason: "cannot convert to image"}
	}
}

// Encode renders the frame upright as JPEG, downscaled so that its longer
// side is at most maxDim. maxDim <= 0 keeps the native size. Frames are
// never upscaled.
func (f *Frame) Encode(maxDim int) ([]byte, error) {
	src, err := f.Image()
	if err != nil {
		return nil, err
	}

	sb := src.Bounds()
	dw, dh := fitWithin(sb.Dx(), sb.Dy(), maxDim)
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, sb, draw.Src, nil)

	upright := rotate(dst, f.layout.Rotation)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, upright, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	tracef("encoded %dx%d %s frame to %dx%d (%d bytes)", sb.Dx(), sb.Dy(), f.layout.Format, upright.Bounds().Dx(), upright.Bounds().Dy(), buf.Len())
	return buf.Bytes(), nil
}

func fitWithin(w, h, maxDim int) (int, int) {
	longer := w
	if h > longer {
		longer = h
	}
	if maxDim <= 0 || longer <= maxDim {
		return w, h
	}
	scale := float64(maxDim) / float64(longer)
	dw, dh := int(float64(w)*scale+0.5), int(float64(h)*scale+0.5)
	if dw < 1 {
		dw = 1
	}
	if dh < 1 {
		dh = 1
	}
	return dw, dh
}

// rotate turns src clockwise by deg, which must be a multiple of 90.
// Other values leave the image unchanged.
func rotate(src *image.RGBA, deg int) *image.RGBA {
	deg = ((deg % 360) + 360) % 360
	if deg == 0 || deg%90 != 0 {
		return src
	}
	w, h := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := w, h
	if deg != 180 {
		dw, dh = h, w
	}
	dst := image.NewRGBA(image.Rect(0, 0, dw, dh))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var dx, dy int
			switch deg {
			case 90:
				dx, dy = h-1-y, x
			case 180:
				dx, dy = w-1-x, h-1-y
			case 270:
				dx, dy = y, w-1-x
			}
			si := y*src.Stride + 4*x
			di := dy*dst.Stride + 4*dx
			copy(dst.Pix[di:di+4], src.Pix[si:si+4])
		}
	}
	return dst
}
