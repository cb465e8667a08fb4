package types

import (
	"errors"
	"fmt"
	"image"
	"strings"
)

// ErrInvalidSize is returned when a target size has a non-positive dimension
var ErrInvalidSize = errors.New("target size must have positive width and height")

// TargetSize is the exact output resolution of a normalization run
type TargetSize struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Validate checks that both dimensions are positive
func (s TargetSize) Validate() error {
	if s.Width <= 0 || s.Height <= 0 {
		return fmt.Errorf("%w: got %dx%d", ErrInvalidSize, s.Width, s.Height)
	}
	return nil
}

func (s TargetSize) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// FaceBox is an axis-aligned face rectangle in source pixel coordinates
type FaceBox struct {
	X      int     `json:"x"`
	Y      int     `json:"y"`
	Width  int     `json:"width"`
	Height int     `json:"height"`
	Score  float64 `json:"score"`
}

// Center returns the center point of the box
func (b FaceBox) Center() image.Point {
	return image.Point{X: b.X + b.Width/2, Y: b.Y + b.Height/2}
}

// Area returns the area of the box
func (b FaceBox) Area() int {
	return b.Width * b.Height
}

// Rect returns the box as an image.Rectangle
func (b FaceBox) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// BatchResult holds the counters of a finished directory run
type BatchResult struct {
	Processed int `json:"processed"`
	Failed    int `json:"failed"`
}

// Total returns the number of attempted files
func (r BatchResult) Total() int {
	return r.Processed + r.Failed
}

// ProgressError is passed as percent when a message reports a failure.
// Listeners must not advance their progress indicator for it.
const ProgressError = -1

// ProgressFunc receives a human readable message and a percent in [0,100],
// or ProgressError.
type ProgressFunc func(message string, percent int)

// Report calls f when it is set
func (f ProgressFunc) Report(message string, percent int) {
	if f != nil {
		f(message, percent)
	}
}

// OutputFormat is the lossless raster format written by the normalizer
type OutputFormat string

const (
	FormatPNG  OutputFormat = "png"
	FormatWebP OutputFormat = "webp"
)

// ParseOutputFormat accepts png or webp in any case
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch strings.ToLower(strings.TrimPrefix(s, ".")) {
	case "", "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	default:
		return "", fmt.Errorf("unsupported output format: %s (lossless formats: png, webp)", s)
	}
}

// Ext returns the file extension without the dot
func (f OutputFormat) Ext() string {
	if f == "" {
		return string(FormatPNG)
	}
	return string(f)
}
