// Package normalizer resizes and crops images to an exact training resolution.
package normalizer

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/pkg/processing"
	"github.com/menta2k/dataset-curator/pkg/types"
	"github.com/menta2k/dataset-curator/pkg/vision"
)

// Mode is the geometry strategy chosen for a source image
type Mode int

const (
	// ModeDirect resizes straight to the target, ignoring aspect ratio
	ModeDirect Mode = iota
	// ModeCover scales to cover the target, then crops around the focal point
	ModeCover
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeCover:
		return "cover"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Plan is the geometry computed for one source image
type Plan struct {
	Mode Mode
	// Resized is the size after the resize step
	Resized image.Point
	// Crop is the window taken from the resized image
	Crop image.Rectangle
	// PadOffset is where the crop lands on the target canvas; zero unless padded
	PadOffset image.Point
	// SourceCrop is Crop mapped back to source pixels; it is the only part
	// of the source that gets resized
	SourceCrop image.Rectangle
}

// Padded reports whether the crop had to be centred on a background canvas
func (p Plan) Padded() bool {
	return p.PadOffset != image.Point{}
}

// Config holds normalizer settings
type Config struct {
	NearSquareTolerance float64
	UseFaceDetection    bool
	PadColor            color.Color
	Filter              imaging.ResampleFilter // zero value selects Lanczos
	Logger              zerolog.Logger
}

// DefaultConfig returns the canonical settings: 5% near-square tolerance,
// Lanczos resampling and black padding
func DefaultConfig() Config {
	return Config{
		NearSquareTolerance: 0.05,
		PadColor:            processing.Background,
		Filter:              imaging.Lanczos,
		Logger:              zerolog.Nop(),
	}
}

// Normalizer turns arbitrary images into exact-size, opaque training images
type Normalizer struct {
	config    Config
	locator   vision.FaceLocator
	processor *processing.Processor
}

// Result is the outcome of Process
type Result struct {
	Image *image.NRGBA
	Plan  Plan
	Faces []types.FaceBox
	Focal *image.Point
}

// New creates a normalizer with default configuration and no face locator
func New() *Normalizer {
	return NewWithConfig(DefaultConfig(), nil)
}

// NewWithConfig creates a normalizer. locator may be nil when face detection
// is disabled.
func NewWithConfig(config Config, locator vision.FaceLocator) *Normalizer {
	if config.PadColor == nil {
		config.PadColor = processing.Background
	}
	if config.Filter.Support == 0 && config.Filter.Kernel == nil {
		config.Filter = imaging.Lanczos
	}
	return &Normalizer{
		config:    config,
		locator:   locator,
		processor: processing.NewProcessor(),
	}
}

// SetLocator replaces the face locator
func (n *Normalizer) SetLocator(locator vision.FaceLocator) {
	n.locator = locator
}

// Plan computes the geometry for a srcW x srcH image. focal is in source
// pixels; nil selects the geometric centre.
func (n *Normalizer) Plan(srcW, srcH int, size types.TargetSize, focal *image.Point) (Plan, error) {
	if err := size.Validate(); err != nil {
		return Plan{}, err
	}
	if srcW <= 0 || srcH <= 0 {
		return Plan{}, fmt.Errorf("invalid image dimensions %dx%d", srcW, srcH)
	}

	tw, th := size.Width, size.Height

	if n.isNearSquare(srcW, srcH) {
		full := image.Rect(0, 0, tw, th)
		return Plan{
			Mode:       ModeDirect,
			Resized:    image.Pt(tw, th),
			Crop:       full,
			SourceCrop: image.Rect(0, 0, srcW, srcH),
		}, nil
	}

	scale := math.Max(float64(tw)/float64(srcW), float64(th)/float64(srcH))
	rw := max(coverDim(srcW, scale), tw)
	rh := max(coverDim(srcH, scale), th)

	var fx, fy int
	if focal != nil {
		fx = int(float64(focal.X) * scale)
		fy = int(float64(focal.Y) * scale)
	} else {
		fx, fy = rw/2, rh/2
	}

	crop, pad := cropWindow(rw, rh, tw, th, fx, fy)

	src := image.Rect(
		int(float64(crop.Min.X)/scale),
		int(float64(crop.Min.Y)/scale),
		int(math.Ceil(float64(crop.Max.X)/scale)),
		int(math.Ceil(float64(crop.Max.Y)/scale)),
	).Intersect(image.Rect(0, 0, srcW, srcH))

	return Plan{
		Mode:       ModeCover,
		Resized:    image.Pt(rw, rh),
		Crop:       crop,
		PadOffset:  pad,
		SourceCrop: src,
	}, nil
}

// Normalize flattens, resizes and crops img to exactly size
func (n *Normalizer) Normalize(img image.Image, size types.TargetSize, focal *image.Point) (*image.NRGBA, error) {
	b := img.Bounds()
	plan, err := n.Plan(b.Dx(), b.Dy(), size, focal)
	if err != nil {
		return nil, err
	}
	return n.apply(img, plan, size), nil
}

// Process locates a focal point when face detection is enabled and
// normalizes img around it
func (n *Normalizer) Process(ctx context.Context, img image.Image, size types.TargetSize) (Result, error) {
	faces := n.Faces(ctx, img)

	var focal *image.Point
	if face, ok := vision.Primary(faces); ok {
		c := face.Center()
		focal = &c
	}

	b := img.Bounds()
	plan, err := n.Plan(b.Dx(), b.Dy(), size, focal)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Image: n.apply(img, plan, size),
		Plan:  plan,
		Faces: faces,
		Focal: focal,
	}, nil
}

// FocalPoint returns the centre of the primary face, or nil when detection
// is disabled or no face was found
func (n *Normalizer) FocalPoint(ctx context.Context, img image.Image) *image.Point {
	face, ok := vision.Primary(n.Faces(ctx, img))
	if !ok {
		return nil
	}
	c := face.Center()
	return &c
}

// Faces runs the locator when face detection is enabled. Locator errors are
// logged and treated as no face.
func (n *Normalizer) Faces(ctx context.Context, img image.Image) []types.FaceBox {
	if !n.config.UseFaceDetection || n.locator == nil {
		return nil
	}

	faces, err := n.locator.Locate(ctx, img)
	if err != nil {
		n.config.Logger.Warn().Err(err).Msg("face detection failed, using image centre")
		return nil
	}
	return faces
}

// apply renders plan. In cover mode only plan.SourceCrop is resized, straight
// to the crop size; the full cover image is never materialized.
func (n *Normalizer) apply(img image.Image, plan Plan, size types.TargetSize) *image.NRGBA {
	if plan.Mode == ModeDirect {
		flat := n.processor.Flatten(img, processing.Background)
		return imaging.Resize(flat, size.Width, size.Height, n.config.Filter)
	}

	b := img.Bounds()
	window := plan.SourceCrop
	if window.Empty() {
		window = image.Rect(0, 0, b.Dx(), b.Dy())
	}
	region := imaging.Crop(img, window.Add(b.Min))
	flat := n.processor.Flatten(region, processing.Background)
	cropped := imaging.Resize(flat, plan.Crop.Dx(), plan.Crop.Dy(), n.config.Filter)

	if cropped.Bounds().Dx() == size.Width && cropped.Bounds().Dy() == size.Height {
		return cropped
	}

	canvas := imaging.New(size.Width, size.Height, n.config.PadColor)
	return imaging.Paste(canvas, cropped, plan.PadOffset)
}

func (n *Normalizer) isNearSquare(w, h int) bool {
	diff := math.Abs(float64(w - h))
	return diff <= n.config.NearSquareTolerance*float64(min(w, h))
}

// coverDim scales a source dimension, rounding up so the result covers the
// target. Float noise just above an integer is not rounded up.
func coverDim(v int, scale float64) int {
	return int(math.Ceil(float64(v)*scale - 1e-9))
}

// cropWindow places a tw x th window centred on (fx, fy) inside a rw x rh
// image. The window is shifted to stay in bounds; if the image is smaller on
// an axis the window shrinks and the returned offset centres it on the canvas.
func cropWindow(rw, rh, tw, th, fx, fy int) (image.Rectangle, image.Point) {
	cw, ch := min(tw, rw), min(th, rh)

	x0 := clamp(fx-cw/2, 0, rw-cw)
	y0 := clamp(fy-ch/2, 0, rh-ch)

	pad := image.Pt((tw-cw)/2, (th-ch)/2)
	return image.Rect(x0, y0, x0+cw, y0+ch), pad
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
