package processing

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"math"
	"os"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"github.com/fogleman/gg"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/dataset-curator/pkg/types"
)

// Background is the canvas color used to flatten transparency
var Background = color.NRGBA{0, 0, 0, 255}

// Processor handles image loading, flattening and lossless saving
type Processor struct{}

// NewProcessor creates a new image processor
func NewProcessor() *Processor {
	return &Processor{}
}

// LoadImage loads an image from a file path with WebP and BMP support.
// EXIF orientation is applied so faces are located upright.
func (p *Processor) LoadImage(path string) (image.Image, error) {
	if img, err := imaging.Open(path, imaging.AutoOrientation(true)); err == nil {
		return img, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	img, err := p.decodeImageFromBytes(data)
	if err != nil {
		return nil, fmt.Errorf("image: unknown format for %s", path)
	}
	return img, nil
}

// decodeImageFromBytes decodes an image from byte data with WebP support
func (p *Processor) decodeImageFromBytes(data []byte) (image.Image, error) {
	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, err := webp.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("image: unknown or unsupported format")
}

// Flatten composites img onto an opaque canvas of the given color. The result
// starts at the origin and every pixel has alpha 255.
func (p *Processor) Flatten(img image.Image, background color.Color) *image.NRGBA {
	b := img.Bounds()
	canvas := imaging.New(b.Dx(), b.Dy(), background)
	return imaging.Overlay(canvas, img, image.Pt(0, 0), 1.0)
}

// SaveImage writes img losslessly in the given format, replacing any existing file
func (p *Processor) SaveImage(img image.Image, path string, format types.OutputFormat) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close output file: %w", cerr)
		}
	}()

	switch format {
	case types.FormatWebP:
		if err := webp.Encode(f, img, &webp.Options{Lossless: true}); err != nil {
			return fmt.Errorf("failed to encode webp: %w", err)
		}
	case types.FormatPNG, "":
		if err := imaging.Encode(f, img, imaging.PNG); err != nil {
			return fmt.Errorf("failed to encode png: %w", err)
		}
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}

	return nil
}

// PrepareImageForModel converts an image to base64 for sending to vision models
func (p *Processor) PrepareImageForModel(img image.Image, format string, maxDim int, quality int) (string, error) {
	if maxDim > 0 {
		b := img.Bounds()
		w, h := b.Dx(), b.Dy()
		if w > maxDim || h > maxDim {
			if w >= h {
				img = imaging.Resize(img, maxDim, 0, imaging.Lanczos)
			} else {
				img = imaging.Resize(img, 0, maxDim, imaging.Lanczos)
			}
		}
	}

	var buf bytes.Buffer
	switch strings.ToLower(format) {
	case "png":
		enc := png.Encoder{CompressionLevel: png.BestCompression}
		if err := enc.Encode(&buf, img); err != nil {
			return "", err
		}
	default: // jpg
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
			return "", err
		}
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

// CreateDebugOverlay draws detected faces (green), the crop window (gold) and
// the focal point (red) on top of a copy of img
func (p *Processor) CreateDebugOverlay(img image.Image, faces []types.FaceBox, crop image.Rectangle, focal image.Point) image.Image {
	dc := gg.NewContextForImage(img)
	w, h := dc.Width(), dc.Height()

	stroke := math.Max(2, 0.004*float64(min(w, h))) // ~0.4% of min side
	cross := math.Max(4, 0.01*float64(min(w, h)))   // ~1% of min side
	dc.SetLineWidth(stroke)

	dc.SetRGB255(0, 255, 0)
	for _, face := range faces {
		dc.DrawRectangle(float64(face.X), float64(face.Y), float64(face.Width), float64(face.Height))
		dc.Stroke()
	}

	if !crop.Empty() {
		dc.SetRGB255(255, 204, 0)
		dc.DrawRectangle(float64(crop.Min.X), float64(crop.Min.Y), float64(crop.Dx()), float64(crop.Dy()))
		dc.Stroke()
	}

	fx, fy := float64(focal.X), float64(focal.Y)
	dc.SetRGB255(255, 0, 0)
	dc.DrawLine(fx-cross, fy, fx+cross, fy)
	dc.DrawLine(fx, fy-cross, fx, fy+cross)
	dc.Stroke()

	return dc.Image()
}
