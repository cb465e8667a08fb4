package caption

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/internal/utils"
	"github.com/menta2k/dataset-curator/pkg/types"
)

// Options controls a directory captioning run
type Options struct {
	Prefix     string
	Extensions []string
	Logger     zerolog.Logger
}

// ProcessDirectory writes {stem}.txt into captionsDir for every image in
// imagesDir. A non-empty prefix is prepended with a single space. Per-image
// failures are counted and reported with types.ProgressError.
func ProcessDirectory(ctx context.Context, gen Generator, imagesDir, captionsDir string, opts Options, progress types.ProgressFunc) (types.BatchResult, error) {
	log := opts.Logger.With().Str("images", imagesDir).Logger()

	files, err := utils.ListImageFiles(imagesDir, opts.Extensions)
	if err != nil {
		log.Error().Err(err).Msg("cannot list images")
		return types.BatchResult{}, err
	}

	if err := utils.EnsureDir(captionsDir); err != nil {
		return types.BatchResult{}, fmt.Errorf("failed to create captions directory: %w", err)
	}

	var result types.BatchResult
	total := len(files)

	for idx, file := range files {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		name := filepath.Base(file)
		if err := captionFile(ctx, gen, file, captionsDir, opts.Prefix); err != nil {
			result.Failed++
			log.Warn().Err(err).Str("file", name).Msg("caption failed")
			progress.Report(fmt.Sprintf("Failed to process %s: %v", name, err), types.ProgressError)
			continue
		}

		result.Processed++
		progress.Report(fmt.Sprintf("Processing %s...", name), (idx+1)*100/total)
	}

	log.Info().Int("processed", result.Processed).Int("failed", result.Failed).Msg("captions finished")
	return result, nil
}

func captionFile(ctx context.Context, gen Generator, file, captionsDir, prefix string) error {
	text, err := gen.Generate(ctx, file)
	if err != nil {
		return err
	}

	if prefix != "" {
		text = prefix + " " + text
	}

	path := filepath.Join(captionsDir, utils.Stem(file)+".txt")
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return fmt.Errorf("failed to write caption: %w", err)
	}
	return nil
}
