// Package datasetcurator prepares image datasets for LoRA training.
//
// A Curator takes a directory of raw photos through the whole pipeline:
//
//	cur, err := datasetcurator.New(config.Default(), logger, nil)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer cur.Close()
//
//	// which raw images are too small or unreadable
//	report, err := cur.InspectDataset(root)
//
//	// <root>/*.jpg -> <root>/cropped_images/*.png at the configured size
//	res, err := cur.CropDataset(ctx, root, nil)
//
//	// <root>/cropped_images/captions/*.txt from a vision-language model
//	res, err = cur.GenerateCaptions(ctx, root, nil)
//
//	// <root>/cropped_images/dataset.toml for the trainer
//	path, err := cur.WriteDatasetConfig(root)
//
//	// queue the training run and wait for it
//	cur.EnqueueTraining(root, "my-lora", "accelerate launch train.py --dataset_config {dataset_config}")
//	err = cur.Queue().Drain(ctx)
//
// The package consists of these components:
//
//  1. Normalizer (pkg/normalizer): exact-size cover-and-crop with an optional face focal point
//  2. Vision (pkg/vision): face locators backed by pigo or onnxruntime
//  3. Batch (pkg/batch): directory processing with a bounded worker pool
//  4. Caption (pkg/caption): per-image captions through Ollama or llama.cpp
//  5. Queue and Supervisor (pkg/queue, pkg/supervisor): sequential training runs
//  6. Analyzer (pkg/analyzer): header-only inspection of the raw images
//  7. Storage (pkg/storage): optional upload of the finished dataset to MinIO/S3
package datasetcurator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"

	"github.com/menta2k/dataset-curator/internal/config"
	"github.com/menta2k/dataset-curator/internal/utils"
	"github.com/menta2k/dataset-curator/pkg/analyzer"
	"github.com/menta2k/dataset-curator/pkg/batch"
	"github.com/menta2k/dataset-curator/pkg/caption"
	"github.com/menta2k/dataset-curator/pkg/client"
	"github.com/menta2k/dataset-curator/pkg/datasetconfig"
	"github.com/menta2k/dataset-curator/pkg/llamacpp"
	"github.com/menta2k/dataset-curator/pkg/normalizer"
	"github.com/menta2k/dataset-curator/pkg/ollama"
	"github.com/menta2k/dataset-curator/pkg/queue"
	"github.com/menta2k/dataset-curator/pkg/storage"
	"github.com/menta2k/dataset-curator/pkg/supervisor"
	"github.com/menta2k/dataset-curator/pkg/types"
	"github.com/menta2k/dataset-curator/pkg/vision"
)

// Version of the dataset curator
const Version = "1.0.0"

const (
	// CroppedDirName holds normalized images under the dataset root
	CroppedDirName = "cropped_images"
	// CaptionsDirName holds captions under the cropped directory
	CaptionsDirName = "captions"
)

// Placeholders substituted in training commands by EnqueueTraining
const (
	PlaceholderDatasetConfig = "{dataset_config}"
	PlaceholderDataset       = "{dataset}"
	PlaceholderOutputName    = "{output_name}"
)

// ErrNotProcessed is returned when a step needs the cropped images directory
// and it does not exist yet
var ErrNotProcessed = errors.New("dataset has not been processed: cropped images directory is missing")

// CroppedDir returns root/cropped_images
func CroppedDir(root string) string {
	return filepath.Join(root, CroppedDirName)
}

// CaptionsDir returns root/cropped_images/captions
func CaptionsDir(root string) string {
	return filepath.Join(CroppedDir(root), CaptionsDirName)
}

// DatasetConfigPath returns root/cropped_images/dataset.toml
func DatasetConfigPath(root string) string {
	return filepath.Join(CroppedDir(root), datasetconfig.FileName)
}

// Curator wires the dataset pipeline together from a single configuration
type Curator struct {
	config *config.Config
	logger zerolog.Logger

	analyzer   *analyzer.ImageAnalyzer
	locator    vision.FaceLocator
	normalizer *normalizer.Normalizer
	batch      *batch.Processor
	supervisor *supervisor.Supervisor
	queue      *queue.Queue

	// newCaptioner is replaced in tests
	newCaptioner func(ctx context.Context) (caption.Generator, error)
}

// New validates cfg and builds a Curator. listener receives training queue
// events and may be nil.
func New(cfg *config.Config, logger zerolog.Logger, listener queue.Listener) (*Curator, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	format, err := types.ParseOutputFormat(cfg.Processing.OutputFormat)
	if err != nil {
		return nil, err
	}

	c := &Curator{
		config: cfg,
		logger: logger,
	}

	c.analyzer = analyzer.NewWithConfig(analyzer.Config{
		SupportedFormats: cfg.Processing.Extensions,
		MinImageSize:     min(cfg.Processing.TargetWidth, cfg.Processing.TargetHeight) / 2,
		Logger:           logger.With().Str("component", "analyzer").Logger(),
	})
	c.locator = newLocator(cfg.Faces, logger)

	normConfig := normalizer.DefaultConfig()
	normConfig.NearSquareTolerance = cfg.Processing.NearSquareTolerance
	normConfig.UseFaceDetection = cfg.Faces.Enabled
	normConfig.Logger = logger.With().Str("component", "normalizer").Logger()
	c.normalizer = normalizer.NewWithConfig(normConfig, c.locator)

	batchConfig := batch.DefaultConfig()
	batchConfig.Extensions = cfg.Processing.Extensions
	batchConfig.Format = format
	batchConfig.Workers = cfg.Processing.Workers
	batchConfig.DebugOverlay = cfg.Processing.DebugOverlay
	batchConfig.Logger = logger.With().Str("component", "batch").Logger()
	c.batch = batch.NewWithConfig(batchConfig, c.normalizer)

	supConfig := supervisor.DefaultConfig()
	supConfig.Timeout = cfg.Training.Timeout
	supConfig.GracePeriod = cfg.Training.GracePeriod
	if len(cfg.Training.SuccessMarkers) > 0 {
		supConfig.SuccessMarkers = cfg.Training.SuccessMarkers
	}
	supConfig.TrustSuccessMarkers = cfg.Training.TrustSuccessMarkers
	supConfig.Logger = logger.With().Str("component", "supervisor").Logger()
	c.supervisor = supervisor.NewWithConfig(supConfig)

	c.queue = queue.NewWithConfig(queue.Config{
		PollInterval:     cfg.Training.PollInterval,
		WatchdogInterval: cfg.Training.WatchdogInterval,
		Logger:           logger.With().Str("component", "queue").Logger(),
	}, c.supervisor, listener)

	c.newCaptioner = c.visionCaptioner
	return c, nil
}

// newLocator returns nil when face detection is disabled
func newLocator(faces config.FacesConfig, logger zerolog.Logger) vision.FaceLocator {
	if !faces.Enabled {
		return nil
	}
	log := logger.With().Str("component", "faces").Str("backend", faces.Backend).Logger()

	switch faces.Backend {
	case "onnx":
		oc := vision.DefaultONNXConfig(faces.ModelPath, faces.LibraryPath)
		if faces.ScoreThreshold > 0 && faces.ScoreThreshold <= 1 {
			oc.ConfThreshold = faces.ScoreThreshold
		}
		oc.Logger = log
		return vision.NewONNXLocator(oc)
	default:
		pc := vision.DefaultPigoConfig(faces.CascadePath)
		if faces.MinSize > 0 {
			pc.MinSize = faces.MinSize
		}
		if faces.ScoreThreshold > 0 {
			pc.ScoreThreshold = faces.ScoreThreshold
		}
		if faces.IoUThreshold > 0 {
			pc.IoUThreshold = faces.IoUThreshold
		}
		pc.Logger = log
		return vision.NewPigoLocator(pc)
	}
}

// TargetSize returns the configured output dimensions
func (c *Curator) TargetSize() types.TargetSize {
	return types.TargetSize{
		Width:  c.config.Processing.TargetWidth,
		Height: c.config.Processing.TargetHeight,
	}
}

// Normalizer exposes the configured normalizer for single-image use
func (c *Curator) Normalizer() *normalizer.Normalizer {
	return c.normalizer
}

// InspectDataset reports the raw images under root that are unreadable,
// smaller than half the target side, or will be upscaled
func (c *Curator) InspectDataset(root string) (analyzer.Report, error) {
	return c.analyzer.InspectDirectory(root, c.TargetSize())
}

// CropDataset normalizes every image directly under root into CroppedDir(root)
func (c *Curator) CropDataset(ctx context.Context, root string, progress types.ProgressFunc) (types.BatchResult, error) {
	return c.batch.ProcessDirectory(ctx, root, CroppedDir(root), c.TargetSize(), progress)
}

// GenerateCaptions writes a caption for every cropped image
func (c *Curator) GenerateCaptions(ctx context.Context, root string, progress types.ProgressFunc) (types.BatchResult, error) {
	if !utils.DirExists(CroppedDir(root)) {
		return types.BatchResult{}, ErrNotProcessed
	}

	gen, err := c.newCaptioner(ctx)
	if err != nil {
		return types.BatchResult{}, err
	}

	return caption.ProcessDirectory(ctx, gen, CroppedDir(root), CaptionsDir(root), caption.Options{
		Prefix:     c.config.Captions.Prefix,
		Extensions: c.config.Processing.Extensions,
		Logger:     c.logger.With().Str("component", "caption").Logger(),
	}, progress)
}

func (c *Curator) visionCaptioner(ctx context.Context) (caption.Generator, error) {
	vc, err := newVisionClient(c.config.Captions)
	if err != nil {
		return nil, err
	}
	if p, ok := vc.(client.Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, err
		}
	}
	cc := c.config.Captions
	return caption.NewVisionGenerator(vc, cc.Model, cc.Prompt, cc.MaxSide), nil
}

func newVisionClient(cc config.CaptionsConfig) (client.VisionClient, error) {
	switch cc.Backend {
	case "llamacpp":
		return llamacpp.NewClient(cc.URL)
	case "ollama", "":
		return ollama.NewClient(cc.URL)
	default:
		return nil, fmt.Errorf("unsupported caption backend: %s", cc.Backend)
	}
}

// WriteDatasetConfig writes DatasetConfigPath(root) using the configured
// class tokens and repeats. The resolution is the larger target side.
func (c *Curator) WriteDatasetConfig(root string) (string, error) {
	if !utils.DirExists(CroppedDir(root)) {
		return "", ErrNotProcessed
	}

	size := c.TargetSize()
	opts := datasetconfig.Options{
		Resolution:  max(size.Width, size.Height),
		ClassTokens: c.config.Training.ClassTokens,
		NumRepeats:  c.config.Training.NumRepeats,
		ImageDir:    CroppedDir(root),
	}

	p := DatasetConfigPath(root)
	if err := datasetconfig.Write(p, opts); err != nil {
		return "", err
	}
	c.logger.Info().Str("path", p).Msg("Dataset config written")
	return p, nil
}

// RenameImages renames every cropped image to {stem}{suffix}_{NNN}.png
func (c *Curator) RenameImages(ctx context.Context, root, suffix string, progress types.ProgressFunc) (types.BatchResult, error) {
	if !utils.DirExists(CroppedDir(root)) {
		return types.BatchResult{}, ErrNotProcessed
	}
	return c.batch.RenameAndConvert(ctx, CroppedDir(root), suffix, progress)
}

// TrainingCommand fills the placeholders of a command template
func TrainingCommand(template, root, outputName string) string {
	r := strings.NewReplacer(
		PlaceholderDatasetConfig, DatasetConfigPath(root),
		PlaceholderDataset, root,
		PlaceholderOutputName, outputName,
	)
	return r.Replace(template)
}

// EnqueueTraining queues a training run for the dataset at root
func (c *Curator) EnqueueTraining(root, outputName, commandTemplate string) (queue.Task, error) {
	if strings.TrimSpace(commandTemplate) == "" {
		return queue.Task{}, errors.New("training command is empty")
	}
	if outputName == "" {
		outputName = filepath.Base(root)
	}
	outputName = utils.SanitizeFilename(outputName)
	return c.queue.Enqueue(TrainingCommand(commandTemplate, root, outputName), root, outputName)
}

// Queue returns the training queue
func (c *Curator) Queue() *queue.Queue {
	return c.queue
}

// SyncDataset uploads CroppedDir(root) to the configured bucket under
// storage.prefix/<dataset name>
func (c *Curator) SyncDataset(ctx context.Context, root string) (int, error) {
	if !utils.DirExists(CroppedDir(root)) {
		return 0, ErrNotProcessed
	}

	sc := c.config.Storage
	syncer, err := storage.NewMinioSyncer(ctx, storage.Options{
		Endpoint:  sc.Endpoint,
		AccessKey: sc.AccessKey,
		SecretKey: sc.SecretKey,
		Bucket:    sc.Bucket,
		UseSSL:    sc.UseSSL,
		Logger:    c.logger.With().Str("component", "storage").Logger(),
	})
	if err != nil {
		return 0, err
	}
	return syncer.SyncDir(ctx, CroppedDir(root), syncPrefix(sc.Prefix, root))
}

func syncPrefix(prefix, root string) string {
	name := filepath.Base(filepath.Clean(root))
	return path.Join(filepath.ToSlash(prefix), name)
}

// Close releases the face locator and stops queue event delivery
func (c *Curator) Close() error {
	c.queue.Close()
	if closer, ok := c.locator.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// GetVersion returns the library version
func GetVersion() string {
	return Version
}
