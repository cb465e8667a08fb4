// Package datasetconfig writes the dataset.toml consumed by the trainer.
package datasetconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
)

// FileName is the name the trainer expects next to the images
const FileName = "dataset.toml"

// Options are the user supplied values of a dataset definition
type Options struct {
	Resolution  int
	ClassTokens string
	NumRepeats  int
	ImageDir    string
}

// Validate checks ranges accepted by the trainer
func (o Options) Validate() error {
	if o.Resolution < 64 || o.Resolution > 2048 {
		return fmt.Errorf("resolution must be between 64 and 2048, got %d", o.Resolution)
	}
	if o.NumRepeats < 1 || o.NumRepeats > 100 {
		return fmt.Errorf("num_repeats must be between 1 and 100, got %d", o.NumRepeats)
	}
	if o.ImageDir == "" {
		return fmt.Errorf("image_dir is required")
	}
	return nil
}

// File mirrors the dataset.toml layout
type File struct {
	General  General   `toml:"general"`
	Datasets []Dataset `toml:"datasets"`
}

type General struct {
	ShuffleCaption   bool   `toml:"shuffle_caption"`
	CaptionExtension string `toml:"caption_extension"`
	KeepTokens       int    `toml:"keep_tokens"`
}

type Dataset struct {
	Resolution int      `toml:"resolution"`
	BatchSize  int      `toml:"batch_size"`
	KeepTokens int      `toml:"keep_tokens"`
	Subsets    []Subset `toml:"subsets"`
}

type Subset struct {
	ImageDir    string `toml:"image_dir"`
	ClassTokens string `toml:"class_tokens"`
	NumRepeats  int    `toml:"num_repeats"`
}

// Build returns the document for opts, with ImageDir made absolute
func Build(opts Options) (File, error) {
	if err := opts.Validate(); err != nil {
		return File{}, err
	}

	imageDir, err := filepath.Abs(opts.ImageDir)
	if err != nil {
		return File{}, fmt.Errorf("failed to resolve image_dir: %w", err)
	}

	return File{
		General: General{
			ShuffleCaption:   false,
			CaptionExtension: ".txt",
			KeepTokens:       1,
		},
		Datasets: []Dataset{{
			Resolution: opts.Resolution,
			BatchSize:  1,
			KeepTokens: 1,
			Subsets: []Subset{{
				ImageDir:    imageDir,
				ClassTokens: opts.ClassTokens,
				NumRepeats:  opts.NumRepeats,
			}},
		}},
	}, nil
}

// Write renders opts to path, creating parent directories
func Write(path string, opts Options) error {
	doc, err := Build(opts)
	if err != nil {
		return err
	}

	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal dataset config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write dataset config: %w", err)
	}
	return nil
}

// Read parses a dataset.toml
func Read(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}

	var doc File
	if err := toml.Unmarshal(data, &doc); err != nil {
		return File{}, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}
