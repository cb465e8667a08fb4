// Package batch normalizes every supported image in a directory.
package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/menta2k/dataset-curator/internal/utils"
	"github.com/menta2k/dataset-curator/pkg/normalizer"
	"github.com/menta2k/dataset-curator/pkg/processing"
	"github.com/menta2k/dataset-curator/pkg/types"
)

// DebugDirName is the subdirectory of the output directory that receives
// overlays when Config.DebugOverlay is set
const DebugDirName = "debug"

// Config holds batch settings
type Config struct {
	Extensions   []string
	Format       types.OutputFormat
	Workers      int
	DebugOverlay bool
	Logger       zerolog.Logger
}

// DefaultConfig returns a sequential PNG configuration
func DefaultConfig() Config {
	return Config{
		Extensions: utils.DefaultImageExtensions,
		Format:     types.FormatPNG,
		Workers:    1,
		Logger:     zerolog.Nop(),
	}
}

// Processor runs the normalizer over directories
type Processor struct {
	config     Config
	normalizer *normalizer.Normalizer
	images     *processing.Processor
}

// New creates a batch processor with default configuration
func New(n *normalizer.Normalizer) *Processor {
	return NewWithConfig(DefaultConfig(), n)
}

// NewWithConfig creates a batch processor with custom configuration
func NewWithConfig(config Config, n *normalizer.Normalizer) *Processor {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if len(config.Extensions) == 0 {
		config.Extensions = utils.DefaultImageExtensions
	}
	if config.Format == "" {
		config.Format = types.FormatPNG
	}
	if n == nil {
		n = normalizer.New()
	}
	return &Processor{
		config:     config,
		normalizer: n,
		images:     processing.NewProcessor(),
	}
}

// ProcessDirectory normalizes every matching file directly inside inputDir
// into outputDir. Per-file failures are counted, reported with
// types.ProgressError and never abort the run. The returned error covers
// batch-level problems only, or the context being cancelled.
func (p *Processor) ProcessDirectory(ctx context.Context, inputDir, outputDir string, size types.TargetSize, progress types.ProgressFunc) (types.BatchResult, error) {
	log := p.config.Logger.With().Str("input", inputDir).Str("output", outputDir).Logger()

	if err := size.Validate(); err != nil {
		return types.BatchResult{}, err
	}

	files, err := utils.ListImageFiles(inputDir, p.config.Extensions)
	if err != nil {
		log.Error().Err(err).Msg("cannot list input directory")
		return types.BatchResult{}, err
	}

	if err := utils.EnsureDir(outputDir); err != nil {
		log.Error().Err(err).Msg("cannot create output directory")
		return types.BatchResult{}, fmt.Errorf("failed to create output directory: %w", err)
	}
	if p.config.DebugOverlay {
		if err := utils.EnsureDir(filepath.Join(outputDir, DebugDirName)); err != nil {
			return types.BatchResult{}, fmt.Errorf("failed to create debug directory: %w", err)
		}
	}

	outputs := p.outputPaths(files, outputDir)
	total := len(files)
	log.Info().Int("files", total).Str("size", size.String()).Msg("batch started")
	if total == 0 {
		progress.Report("No images found", 100)
		return types.BatchResult{}, nil
	}

	var (
		processed atomic.Int64
		failed    atomic.Int64
		reportMu  sync.Mutex
	)

	g := new(errgroup.Group)
	g.SetLimit(p.config.Workers)

	for _, file := range files {
		if ctx.Err() != nil {
			break
		}

		g.Go(func() error {
			name := filepath.Base(file)
			var err error
			if dst := outputs[file]; dst == "" {
				err = fmt.Errorf("output name collides with another input")
			} else {
				err = p.processFile(ctx, file, dst, outputDir, size)
			}

			reportMu.Lock()
			defer reportMu.Unlock()

			if err != nil {
				failed.Add(1)
				log.Warn().Err(err).Str("file", name).Msg("image failed")
				progress.Report(fmt.Sprintf("Failed to process %s: %v", name, err), types.ProgressError)
				return nil
			}

			done := int(processed.Add(1) + failed.Load())
			progress.Report(fmt.Sprintf("Processed %s (%d/%d)", name, done, total), done*100/total)
			return nil
		})
	}
	_ = g.Wait()

	result := types.BatchResult{
		Processed: int(processed.Load()),
		Failed:    int(failed.Load()),
	}
	log.Info().Int("processed", result.Processed).Int("failed", result.Failed).Msg("batch finished")

	if err := ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

// outputPaths assigns every input its output path. Inputs sharing a stem,
// such as a.jpg and a.png, keep their source extension in the name
// (a_jpg.png, a_png.png). An input whose name still clashes, compared
// case-insensitively, maps to "".
func (p *Processor) outputPaths(files []string, outputDir string) map[string]string {
	stems := make(map[string]int, len(files))
	for _, f := range files {
		stems[strings.ToLower(utils.Stem(f))]++
	}

	taken := make(map[string]bool, len(files))
	paths := make(map[string]string, len(files))
	for _, f := range files {
		suffix := ""
		if stems[strings.ToLower(utils.Stem(f))] > 1 {
			suffix = "_" + strings.TrimPrefix(filepath.Ext(f), ".")
		}
		dst := utils.GenerateOutputFilename(f, outputDir, "", suffix, p.config.Format.Ext())

		key := strings.ToLower(filepath.Base(dst))
		if taken[key] {
			paths[f] = ""
			continue
		}
		taken[key] = true
		paths[f] = dst
	}
	return paths
}

func (p *Processor) processFile(ctx context.Context, path, dst, outputDir string, size types.TargetSize) error {
	img, err := p.images.LoadImage(path)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	res, err := p.normalizer.Process(ctx, img, size)
	if err != nil {
		return fmt.Errorf("failed to normalize: %w", err)
	}

	if err := p.images.SaveImage(res.Image, dst, p.config.Format); err != nil {
		return err
	}

	if p.config.DebugOverlay {
		focal := res.Plan.SourceCrop.Min.Add(res.Plan.SourceCrop.Size().Div(2))
		if res.Focal != nil {
			focal = *res.Focal
		}
		overlay := p.images.CreateDebugOverlay(img, res.Faces, res.Plan.SourceCrop, focal)
		debugPath := utils.GenerateOutputFilename(dst, filepath.Join(outputDir, DebugDirName), "", "_debug", "png")
		if err := p.images.SaveImage(overlay, debugPath, types.FormatPNG); err != nil {
			p.config.Logger.Warn().Err(err).Str("file", debugPath).Msg("debug overlay not written")
		}
	}

	return nil
}

// RenameAndConvert re-encodes every image in dir as {stem}{suffix}_{NNN}.png,
// numbered from 001 in name order. Originals that are not PNG are removed.
func (p *Processor) RenameAndConvert(ctx context.Context, dir, suffix string, progress types.ProgressFunc) (types.BatchResult, error) {
	if strings.TrimSpace(suffix) == "" {
		return types.BatchResult{}, fmt.Errorf("suffix cannot be empty")
	}

	files, err := utils.ListImageFiles(dir, p.config.Extensions)
	if err != nil {
		return types.BatchResult{}, err
	}

	var result types.BatchResult
	for idx, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := filepath.Base(file)
		target := filepath.Join(dir, fmt.Sprintf("%s%s_%03d.png", utils.Stem(file), suffix, idx+1))

		if err := p.convertFile(file, target); err != nil {
			result.Failed++
			p.config.Logger.Warn().Err(err).Str("file", name).Msg("rename failed")
			progress.Report(fmt.Sprintf("Failed to process %s: %v", name, err), types.ProgressError)
			continue
		}

		result.Processed++
		progress.Report(fmt.Sprintf("Converted %s -> %s", name, filepath.Base(target)), (idx+1)*100/len(files))
	}

	p.config.Logger.Info().Int("converted", result.Processed).Int("failed", result.Failed).Str("suffix", suffix).Msg("rename finished")
	return result, nil
}

func (p *Processor) convertFile(src, dst string) error {
	img, err := p.images.LoadImage(src)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	if err := p.images.SaveImage(p.images.Flatten(img, processing.Background), dst, types.FormatPNG); err != nil {
		return err
	}

	if !strings.EqualFold(filepath.Ext(src), ".png") {
		if err := os.Remove(src); err != nil {
			return fmt.Errorf("failed to remove original: %w", err)
		}
	}
	return nil
}
