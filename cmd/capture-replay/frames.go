package main

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/smileidentity/captureflow/internal/capture/l1frames"
	"github.com/smileidentity/captureflow/internal/fsutil"
)

var frameExts = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".webp": true,
}

var errNoFrames = errors.New("no frames found")

// frameFile is one recorded frame on disk.
type frameFile struct {
	Name string
	Path string
}

// listFrames returns the image files in dir in name order.
func listFrames(fsys fsutil.FileSystem, dir string) ([]frameFile, error) {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read frames directory: %w", err)
	}
	var out []frameFile
	for _, e := range entries {
		if e.IsDir() || !frameExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		out = append(out, frameFile{Name: e.Name(), Path: filepath.Join(dir, e.Name())})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, errNoFrames)
	}
	return out, nil
}

// decodeFrame turns an encoded image into an RGBA frame stamped ts. Images
// larger than maxDim on either side are scaled down first; maxDim <= 0
// keeps the original size.
func decodeFrame(data []byte, maxDim int, ts time.Time, release func()) (*l1frames.Frame, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	b := src.Bounds()
	w, h := scaledSize(b.Dx(), b.Dy(), maxDim)

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	if w == b.Dx() && h == b.Dy() {
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	} else {
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
	}
	layout := l1frames.Layout{
		Width:     w,
		Height:    h,
		Stride:    dst.Stride,
		Format:    l1frames.FormatRGBA,
		Timestamp: ts,
	}
	return l1frames.NewFrame(layout, dst.Pix, release), nil
}

func scaledSize(w, h, maxDim int) (int, int) {
	if maxDim <= 0 || (w <= maxDim && h <= maxDim) {
		return w, h
	}
	if w >= h {
		return maxDim, max(1, h*maxDim/w)
	}
	return max(1, w*maxDim/h), maxDim
}
