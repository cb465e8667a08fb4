package analyzer

import (
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/dataset-curator/pkg/types"
)

// createTestImage creates a simple test image
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))

	// Fill with a gradient pattern
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r := uint8((x * 255) / width)
			g := uint8((y * 255) / height)
			img.Set(x, y, color.RGBA{r, g, 128, 255})
		}
	}

	return img
}

func writeImage(t *testing.T, path string, width, height int) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()

	img := createTestImage(width, height)
	if filepath.Ext(path) == ".jpg" {
		err = jpeg.Encode(f, img, &jpeg.Options{Quality: 90})
	} else {
		err = png.Encode(f, img)
	}
	if err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func TestNew(t *testing.T) {
	analyzer := New()
	if analyzer == nil {
		t.Fatal("New() returned nil")
	}

	if analyzer.config.MinImageSize != 256 {
		t.Errorf("Expected min size 256, got %d", analyzer.config.MinImageSize)
	}
}

func TestNewWithConfig(t *testing.T) {
	analyzer := NewWithConfig(Config{MinImageSize: 200})

	if analyzer.config.MinImageSize != 200 {
		t.Errorf("Expected min size 200, got %d", analyzer.config.MinImageSize)
	}

	if len(analyzer.config.SupportedFormats) == 0 {
		t.Error("Expected default formats")
	}
}

func TestGetImageInfo(t *testing.T) {
	info := GetImageInfo("a.png", "png", 400, 300)

	if info.Width != 400 {
		t.Errorf("Expected width 400, got %d", info.Width)
	}

	if info.Height != 300 {
		t.Errorf("Expected height 300, got %d", info.Height)
	}

	expectedRatio := float64(400) / float64(300)
	if info.AspectRatio != expectedRatio {
		t.Errorf("Expected aspect ratio %f, got %f", expectedRatio, info.AspectRatio)
	}

	if info.Area != 120000 {
		t.Errorf("Expected area 120000, got %d", info.Area)
	}
}

func TestScale(t *testing.T) {
	size := types.TargetSize{Width: 512, Height: 512}

	if s := GetImageInfo("", "png", 1024, 768).Scale(size); s != 0.6666666666666666 {
		t.Errorf("Expected 2/3, got %f", s)
	}
	if s := GetImageInfo("", "png", 256, 1024).Scale(size); s != 2 {
		t.Errorf("Expected 2, got %f", s)
	}
	if s := (ImageInfo{}).Scale(size); s != 0 {
		t.Errorf("Expected 0 for empty info, got %f", s)
	}
}

func TestValidateImage(t *testing.T) {
	analyzer := NewWithConfig(Config{MinImageSize: 100})

	if err := analyzer.ValidateImage(GetImageInfo("", "png", 200, 200)); err != nil {
		t.Errorf("Expected valid image, got %v", err)
	}

	if err := analyzer.ValidateImage(GetImageInfo("", "png", 50, 200)); err == nil {
		t.Error("Expected error for narrow image")
	}
}

func TestInspectFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.jpg")
	writeImage(t, path, 320, 240)

	info, err := New().InspectFile(path)
	if err != nil {
		t.Fatalf("InspectFile failed: %v", err)
	}
	if info.Width != 320 || info.Height != 240 || info.Format != "jpeg" {
		t.Errorf("Expected 320x240 jpeg, got %+v", info)
	}

	pngOnly := NewWithConfig(Config{SupportedFormats: []string{"png"}})
	if _, err := pngOnly.InspectFile(path); err == nil {
		t.Error("Expected unsupported format error")
	}
}

func TestInspectDirectory(t *testing.T) {
	dir := t.TempDir()
	writeImage(t, filepath.Join(dir, "big.png"), 600, 600)
	writeImage(t, filepath.Join(dir, "small.png"), 120, 80)
	if err := os.WriteFile(filepath.Join(dir, "broken.png"), []byte("not an image"), 0644); err != nil {
		t.Fatal(err)
	}

	report, err := NewWithConfig(Config{MinImageSize: 100}).
		InspectDirectory(dir, types.TargetSize{Width: 512, Height: 512})
	if err != nil {
		t.Fatalf("InspectDirectory failed: %v", err)
	}

	if len(report.Images) != 2 {
		t.Errorf("Expected 2 readable images, got %d", len(report.Images))
	}
	if len(report.TooSmall) != 1 || report.TooSmall[0] != "small.png" {
		t.Errorf("Expected small.png too small, got %v", report.TooSmall)
	}
	if len(report.Upscaled) != 1 || report.Upscaled[0] != "small.png" {
		t.Errorf("Expected small.png upscaled, got %v", report.Upscaled)
	}
	if _, ok := report.Unreadable["broken.png"]; !ok {
		t.Errorf("Expected broken.png unreadable, got %v", report.Unreadable)
	}
}

func TestInspectDirectoryInvalidSize(t *testing.T) {
	if _, err := New().InspectDirectory(t.TempDir(), types.TargetSize{}); err == nil {
		t.Error("Expected error for invalid size")
	}
}
