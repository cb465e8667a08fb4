// Package analyzer inspects a dataset directory before it is normalized.
// Only image headers are read, so large datasets are scanned quickly.
package analyzer

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"github.com/menta2k/dataset-curator/internal/utils"
	"github.com/menta2k/dataset-curator/pkg/types"
)

// ImageAnalyzer reports dimensions and problems of dataset images
type ImageAnalyzer struct {
	config Config
}

// Config holds configuration for the image analyzer
type Config struct {
	SupportedFormats []string
	MinImageSize     int
	Logger           zerolog.Logger
}

// New creates a new ImageAnalyzer with default configuration
func New() *ImageAnalyzer {
	return &ImageAnalyzer{
		config: Config{
			SupportedFormats: utils.DefaultImageExtensions,
			MinImageSize:     256,
			Logger:           zerolog.Nop(),
		},
	}
}

// NewWithConfig creates a new ImageAnalyzer with custom configuration
func NewWithConfig(config Config) *ImageAnalyzer {
	if len(config.SupportedFormats) == 0 {
		config.SupportedFormats = utils.DefaultImageExtensions
	}
	return &ImageAnalyzer{config: config}
}

// ImageInfo contains basic image metadata
type ImageInfo struct {
	Path        string  `json:"path"`
	Format      string  `json:"format"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	AspectRatio float64 `json:"aspect_ratio"`
	Area        int     `json:"area"`
}

// Scale returns the factor the cover resize applies to reach size
func (i ImageInfo) Scale(size types.TargetSize) float64 {
	if i.Width == 0 || i.Height == 0 {
		return 0
	}
	return max(float64(size.Width)/float64(i.Width), float64(size.Height)/float64(i.Height))
}

// Report summarizes a directory scan
type Report struct {
	Images []ImageInfo `json:"images"`
	// TooSmall lists images below the configured minimum side
	TooSmall []string `json:"too_small"`
	// Upscaled lists images that must be enlarged to reach the target size
	Upscaled []string `json:"upscaled"`
	// Unreadable maps a file to the reason it could not be decoded
	Unreadable map[string]string `json:"unreadable"`
}

// InspectFile reads the header of one image
func (a *ImageAnalyzer) InspectFile(path string) (ImageInfo, error) {
	file, err := os.Open(path)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to open image file: %w", err)
	}
	defer file.Close()

	cfg, format, err := image.DecodeConfig(file)
	if err != nil {
		return ImageInfo{}, fmt.Errorf("failed to decode image header: %w", err)
	}

	if !a.isFormatSupported(format) {
		return ImageInfo{}, fmt.Errorf("unsupported image format: %s", format)
	}

	return GetImageInfo(path, format, cfg.Width, cfg.Height), nil
}

// GetImageInfo builds ImageInfo from known dimensions
func GetImageInfo(path, format string, width, height int) ImageInfo {
	info := ImageInfo{
		Path:   path,
		Format: format,
		Width:  width,
		Height: height,
		Area:   width * height,
	}
	if height > 0 {
		info.AspectRatio = float64(width) / float64(height)
	}
	return info
}

func (a *ImageAnalyzer) isFormatSupported(format string) bool {
	format = strings.ToLower(format)
	for _, supported := range a.config.SupportedFormats {
		if strings.EqualFold(format, supported) {
			return true
		}
		if format == "jpeg" && strings.EqualFold(supported, "jpg") {
			return true
		}
	}
	return false
}

// ValidateImage checks if an image meets minimum requirements
func (a *ImageAnalyzer) ValidateImage(info ImageInfo) error {
	if info.Width < a.config.MinImageSize || info.Height < a.config.MinImageSize {
		return fmt.Errorf("image too small: %dx%d (minimum: %d)",
			info.Width, info.Height, a.config.MinImageSize)
	}
	return nil
}

// InspectDirectory scans the images directly under dir against size
func (a *ImageAnalyzer) InspectDirectory(dir string, size types.TargetSize) (Report, error) {
	if err := size.Validate(); err != nil {
		return Report{}, err
	}

	files, err := utils.ListImageFiles(dir, a.config.SupportedFormats)
	if err != nil {
		return Report{}, err
	}

	report := Report{Unreadable: make(map[string]string)}
	for _, f := range files {
		name := filepath.Base(f)
		info, err := a.InspectFile(f)
		if err != nil {
			a.config.Logger.Warn().Err(err).Str("file", name).Msg("Unreadable image")
			report.Unreadable[name] = err.Error()
			continue
		}

		report.Images = append(report.Images, info)
		if err := a.ValidateImage(info); err != nil {
			report.TooSmall = append(report.TooSmall, name)
		}
		if info.Scale(size) > 1 {
			report.Upscaled = append(report.Upscaled, name)
		}
	}

	a.config.Logger.Debug().
		Int("images", len(report.Images)).
		Int("too_small", len(report.TooSmall)).
		Int("upscaled", len(report.Upscaled)).
		Int("unreadable", len(report.Unreadable)).
		Msg("Directory inspected")
	return report, nil
}
