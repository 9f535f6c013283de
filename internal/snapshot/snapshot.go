// Package snapshot writes the latest detection frame to disk.
package snapshot

import (
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/care/visionx/internal/types"
)

// DefaultFileName is the snapshot file inside the output directory.
const DefaultFileName = "latest_obj.jpg"

var colorRed = color.RGBA{R: 255, G: 40, B: 40, A: 255}

// Saver overwrites a single JPEG with the newest frame. The file is
// written to a temp name and renamed, so readers never see a partial image.
type Saver struct {
	path        string
	jpegQuality int
	annotate    bool

	saved  atomic.Uint64
	failed atomic.Uint64
}

// NewSaver creates outputDir if needed.
func NewSaver(outputDir string, jpegQuality int, annotate bool) (*Saver, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if jpegQuality <= 0 || jpegQuality > 100 {
		jpegQuality = 90
	}
	return &Saver{
		path:        filepath.Join(outputDir, DefaultFileName),
		jpegQuality: jpegQuality,
		annotate:    annotate,
	}, nil
}

// Path returns the snapshot file path.
func (s *Saver) Path() string { return s.path }

// Save encodes frame as JPEG. When annotation is on and det is non-nil,
// its box is outlined.
func (s *Saver) Save(frame types.Frame, det *types.Detection) error {
	img, err := rgbToRGBA(frame)
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("RGB conversion failed: %w", err)
	}
	if s.annotate && det != nil {
		drawBox(img, det.Box, colorRed)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*.jpg")
	if err != nil {
		s.failed.Add(1)
		return fmt.Errorf("failed to create file: %w", err)
	}
	tmpName := tmp.Name()

	if err := jpeg.Encode(tmp, img, &jpeg.Options{Quality: s.jpegQuality}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		s.failed.Add(1)
		return fmt.Errorf("JPEG encode failed: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		s.failed.Add(1)
		return fmt.Errorf("failed to close file: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		s.failed.Add(1)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	s.saved.Add(1)
	return nil
}

// Saved returns how many snapshots were written.
func (s *Saver) Saved() uint64 { return s.saved.Load() }

// Failed returns how many writes failed.
func (s *Saver) Failed() uint64 { return s.failed.Load() }

// rgbToRGBA converts packed RGB24 to image.RGBA with opaque alpha.
func rgbToRGBA(frame types.Frame) (*image.RGBA, error) {
	if !frame.Valid() {
		return nil, fmt.Errorf("invalid RGB data size: got %d, expected %d",
			len(frame.Data), frame.Width*frame.Height*3)
	}

	img := image.NewRGBA(image.Rect(0, 0, frame.Width, frame.Height))
	for i := 0; i < frame.Width*frame.Height; i++ {
		img.Pix[i*4+0] = frame.Data[i*3+0]
		img.Pix[i*4+1] = frame.Data[i*3+1]
		img.Pix[i*4+2] = frame.Data[i*3+2]
		img.Pix[i*4+3] = 255
	}
	return img, nil
}

// drawBox outlines box [x,y,w,h] with a 2px border, clipped to img.
func drawBox(img *image.RGBA, box [4]int, c color.RGBA) {
	r := image.Rect(box[0], box[1], box[0]+box[2], box[1]+box[3]).Intersect(img.Bounds())
	if r.Empty() {
		return
	}
	for t := 0; t < 2; t++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			img.SetRGBA(x, r.Min.Y+t, c)
			img.SetRGBA(x, r.Max.Y-1-t, c)
		}
		for y := r.Min.Y; y < r.Max.Y; y++ {
			img.SetRGBA(r.Min.X+t, y, c)
			img.SetRGBA(r.Max.X-1-t, y, c)
		}
	}
}
