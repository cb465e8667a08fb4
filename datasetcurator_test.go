package datasetcurator

import (
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/internal/config"
	"github.com/menta2k/dataset-curator/pkg/caption"
	"github.com/menta2k/dataset-curator/pkg/datasetconfig"
	"github.com/menta2k/dataset-curator/pkg/queue"
	"github.com/menta2k/dataset-curator/pkg/vision"
)

// createTestImage creates a gradient with a bright subject in the center
func createTestImage(width, height int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			if x > width/3 && x < 2*width/3 && y > height/3 && y < 2*height/3 {
				img.Set(x, y, color.RGBA{255, 255, 255, 255})
			} else {
				img.Set(x, y, color.RGBA{64, 64, 64, 255})
			}
		}
	}
	return img
}

func writePNG(t *testing.T, path string, img image.Image) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Processing.TargetWidth = 128
	cfg.Processing.TargetHeight = 128
	cfg.Training.PollInterval = 10 * time.Millisecond
	cfg.Training.WatchdogInterval = 50 * time.Millisecond
	cfg.Training.ClassTokens = "ohwx person"
	return cfg
}

func newTestCurator(t *testing.T, listener queue.Listener) *Curator {
	t.Helper()
	c, err := New(testConfig(), zerolog.New(zerolog.NewTestWriter(t)), listener)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

type fakeCaptioner struct{}

func (fakeCaptioner) Generate(ctx context.Context, imagePath string) (string, error) {
	return "a photo of " + filepath.Base(imagePath), nil
}

func TestLayout(t *testing.T) {
	root := filepath.Join("data", "set")
	if got := CroppedDir(root); got != filepath.Join(root, "cropped_images") {
		t.Errorf("Unexpected cropped dir %s", got)
	}
	if got := CaptionsDir(root); got != filepath.Join(root, "cropped_images", "captions") {
		t.Errorf("Unexpected captions dir %s", got)
	}
	if got := DatasetConfigPath(root); got != filepath.Join(root, "cropped_images", "dataset.toml") {
		t.Errorf("Unexpected dataset config path %s", got)
	}
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Processing.Workers = 0
	if _, err := New(cfg, zerolog.Nop(), nil); err == nil {
		t.Error("Expected error for invalid configuration")
	}
}

func TestNewBuildsLocator(t *testing.T) {
	cfg := testConfig()
	cfg.Faces.Enabled = true
	cfg.Faces.CascadePath = "facefinder"

	c, err := New(cfg, zerolog.Nop(), nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer c.Close()

	if _, ok := c.locator.(*vision.PigoLocator); !ok {
		t.Errorf("Expected pigo locator, got %T", c.locator)
	}

	if newLocator(config.FacesConfig{Enabled: false}, zerolog.Nop()) != nil {
		t.Error("Expected no locator when faces are disabled")
	}
	onnx := newLocator(config.FacesConfig{Enabled: true, Backend: "onnx", ModelPath: "m.onnx"}, zerolog.Nop())
	if _, ok := onnx.(*vision.ONNXLocator); !ok {
		t.Errorf("Expected onnx locator, got %T", onnx)
	}
}

func TestPipeline(t *testing.T) {
	root := t.TempDir()
	writePNG(t, filepath.Join(root, "wide.png"), createTestImage(300, 200))
	writePNG(t, filepath.Join(root, "tall.png"), createTestImage(150, 260))

	c := newTestCurator(t, nil)
	c.newCaptioner = func(context.Context) (caption.Generator, error) { return fakeCaptioner{}, nil }
	ctx := context.Background()

	if _, err := c.GenerateCaptions(ctx, root, nil); !errors.Is(err, ErrNotProcessed) {
		t.Fatalf("Expected ErrNotProcessed before cropping, got %v", err)
	}

	report, err := c.InspectDataset(root)
	if err != nil {
		t.Fatalf("InspectDataset failed: %v", err)
	}
	if len(report.Images) != 2 || len(report.Upscaled) != 0 || len(report.TooSmall) != 0 {
		t.Errorf("Expected 2 usable images, got %+v", report)
	}

	res, err := c.CropDataset(ctx, root, nil)
	if err != nil {
		t.Fatalf("CropDataset failed: %v", err)
	}
	if res.Processed != 2 || res.Failed != 0 {
		t.Errorf("Expected 2 processed, got %+v", res)
	}

	res, err = c.GenerateCaptions(ctx, root, nil)
	if err != nil {
		t.Fatalf("GenerateCaptions failed: %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("Expected 2 captions, got %+v", res)
	}
	text, err := os.ReadFile(filepath.Join(CaptionsDir(root), "wide.txt"))
	if err != nil {
		t.Fatalf("Expected caption file: %v", err)
	}
	if !strings.Contains(string(text), "wide.png") {
		t.Errorf("Unexpected caption %q", text)
	}

	p, err := c.WriteDatasetConfig(root)
	if err != nil {
		t.Fatalf("WriteDatasetConfig failed: %v", err)
	}
	file, err := datasetconfig.Read(p)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if file.Datasets[0].Resolution != 128 {
		t.Errorf("Expected resolution 128, got %d", file.Datasets[0].Resolution)
	}
	if file.Datasets[0].Subsets[0].ClassTokens != "ohwx person" {
		t.Errorf("Expected class tokens, got %q", file.Datasets[0].Subsets[0].ClassTokens)
	}
}

func TestStepsRequireCroppedDir(t *testing.T) {
	root := t.TempDir()
	c := newTestCurator(t, nil)

	if _, err := c.WriteDatasetConfig(root); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("Expected ErrNotProcessed from WriteDatasetConfig, got %v", err)
	}
	if _, err := c.RenameImages(context.Background(), root, "_x", nil); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("Expected ErrNotProcessed from RenameImages, got %v", err)
	}
	if _, err := c.SyncDataset(context.Background(), root); !errors.Is(err, ErrNotProcessed) {
		t.Errorf("Expected ErrNotProcessed from SyncDataset, got %v", err)
	}
}

func TestTrainingCommand(t *testing.T) {
	root := filepath.Join("data", "set")
	got := TrainingCommand("train --dataset_config {dataset_config} --output_name {output_name} --data {dataset}", root, "my-lora")
	want := "train --dataset_config " + DatasetConfigPath(root) + " --output_name my-lora --data " + root
	if got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}

func TestEnqueueTrainingRunsCommand(t *testing.T) {
	var (
		mu    sync.Mutex
		lines []string
	)
	listener := func(e queue.Event) {
		if e.Kind == queue.LogLine {
			mu.Lock()
			lines = append(lines, e.Line)
			mu.Unlock()
		}
	}

	root := t.TempDir()
	c := newTestCurator(t, listener)

	if _, err := c.EnqueueTraining(root, "", "  "); err == nil {
		t.Error("Expected error for empty command")
	}

	task, err := c.EnqueueTraining(root, "", "echo {output_name}")
	if err != nil {
		t.Fatalf("EnqueueTraining failed: %v", err)
	}
	if task.OutputName != filepath.Base(root) {
		t.Errorf("Expected output name from root, got %q", task.OutputName)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.Queue().Drain(ctx); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	got, _ := c.Queue().Get(task.ID)
	if got.Status != queue.StatusCompleted {
		t.Errorf("Expected Completed, got %s (%s)", got.Status, got.Message)
	}

	c.Queue().Close()
	mu.Lock()
	defer mu.Unlock()
	found := false
	for _, line := range lines {
		if strings.TrimSpace(line) == filepath.Base(root) {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected command output in log lines, got %q", lines)
	}
}

func TestSyncPrefix(t *testing.T) {
	if got := syncPrefix("datasets", filepath.Join("home", "me", "portraits")); got != "datasets/portraits" {
		t.Errorf("Expected datasets/portraits, got %s", got)
	}
	if got := syncPrefix("", filepath.Join("home", "me", "portraits")+string(filepath.Separator)); got != "portraits" {
		t.Errorf("Expected portraits, got %s", got)
	}
}

func TestGetVersion(t *testing.T) {
	if GetVersion() != Version {
		t.Errorf("Expected %s, got %s", Version, GetVersion())
	}
}
