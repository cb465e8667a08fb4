package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	datasetcurator "github.com/menta2k/dataset-curator"
	"github.com/menta2k/dataset-curator/internal/config"
	"github.com/menta2k/dataset-curator/internal/logging"
	"github.com/menta2k/dataset-curator/internal/utils"
	"github.com/menta2k/dataset-curator/pkg/queue"
	"github.com/menta2k/dataset-curator/pkg/types"
)

const usage = `usage: %s <command> [flags] <dataset_root>

commands:
  inspect   report unreadable, small or upscaled images in <dataset_root>
  crop      normalize every image in <dataset_root> into cropped_images/
  caption   write captions for cropped_images/ into cropped_images/captions/
  toml      write cropped_images/dataset.toml
  rename    rename cropped images to {stem}{suffix}_{NNN}.png
  train     queue training commands and run them one at a time
  sync      upload cropped_images/ to the configured bucket
  config    write the default configuration file
  version   print the version

Run '%s <command> -h' for command flags.
`

func main() {
	_ = godotenv.Load(".env", ".env.local")

	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	name := filepath.Base(os.Args[0])
	fmt.Fprintf(os.Stderr, usage, name, name)
}

func run(ctx context.Context, command string, args []string) error {
	switch command {
	case "inspect":
		return runInspect(args)
	case "crop":
		return runCrop(ctx, args)
	case "caption":
		return runCaption(ctx, args)
	case "toml":
		return runToml(args)
	case "rename":
		return runRename(ctx, args)
	case "train":
		return runTrain(ctx, args)
	case "sync":
		return runSync(ctx, args)
	case "config":
		return runConfig(args)
	case "version":
		fmt.Println(datasetcurator.GetVersion())
		return nil
	case "-h", "-help", "--help", "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// common holds the flags every dataset command accepts
type common struct {
	configPath string
	logLevel   string
	logEnv     string
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "config file (json/yaml/toml); defaults to "+config.GetConfigPath()+" when present")
	fs.StringVar(&c.logLevel, "log-level", "", "log level: debug|info|warn|error")
	fs.StringVar(&c.logEnv, "log-env", "", "development gives console output, anything else JSON")
}

func (c *common) load() (*config.Config, zerolog.Logger, error) {
	path := c.configPath
	if path == "" && utils.FileExists(config.GetConfigPath()) {
		path = config.GetConfigPath()
	}

	cfg, err := config.Load(path)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
	if c.logEnv != "" {
		cfg.Log.Env = c.logEnv
	}
	return cfg, logging.New(cfg.Log.Env, cfg.Log.Level), nil
}

func parseRoot(fs *flag.FlagSet, args []string) (string, error) {
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	if fs.NArg() < 1 {
		return "", fmt.Errorf("%s: dataset root is required", fs.Name())
	}
	root := fs.Arg(0)
	if !utils.DirExists(root) {
		return "", fmt.Errorf("dataset root does not exist: %s", root)
	}
	return root, nil
}

func progressLogger(logger zerolog.Logger) types.ProgressFunc {
	return func(message string, percent int) {
		if percent == types.ProgressError {
			logger.Warn().Msg(message)
			return
		}
		logger.Info().Int("percent", percent).Msg(message)
	}
}

func newCurator(cfg *config.Config, logger zerolog.Logger, listener queue.Listener) (*datasetcurator.Curator, error) {
	return datasetcurator.New(cfg, logger, listener)
}

func runInspect(args []string) error {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	var c common
	c.register(fs)

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	report, err := cur.InspectDataset(root)
	if err != nil {
		return err
	}
	for _, name := range report.TooSmall {
		fmt.Printf("too small: %s\n", name)
	}
	for _, name := range report.Upscaled {
		fmt.Printf("upscaled:  %s\n", name)
	}
	for name, reason := range report.Unreadable {
		fmt.Printf("unreadable: %s (%s)\n", name, reason)
	}
	fmt.Printf("%d images, %d too small, %d upscaled to %s, %d unreadable\n",
		len(report.Images), len(report.TooSmall), len(report.Upscaled), cur.TargetSize(), len(report.Unreadable))
	return nil
}

func runCrop(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("crop", flag.ExitOnError)
	var c common
	c.register(fs)
	width := fs.Int("width", 0, "target width (default from config)")
	height := fs.Int("height", 0, "target height (default from config)")
	workers := fs.Int("workers", 0, "parallel workers (default from config)")
	format := fs.String("format", "", "output format: png|webp")
	faces := fs.Bool("faces", false, "center crops on the primary detected face")
	cascade := fs.String("cascade", "", "pigo cascade file (enables faces with the pigo backend)")
	debug := fs.Bool("debug", false, "write debug overlays into cropped_images/debug")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	if *width > 0 {
		cfg.Processing.TargetWidth = *width
	}
	if *height > 0 {
		cfg.Processing.TargetHeight = *height
	}
	if *workers > 0 {
		cfg.Processing.Workers = *workers
	}
	if *format != "" {
		cfg.Processing.OutputFormat = *format
	}
	if *cascade != "" {
		cfg.Faces.Backend = "pigo"
		cfg.Faces.CascadePath = *cascade
		cfg.Faces.Enabled = true
	}
	if *faces {
		cfg.Faces.Enabled = true
	}
	if *debug {
		cfg.Processing.DebugOverlay = true
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	start := time.Now()
	res, err := cur.CropDataset(ctx, root, progressLogger(logger))
	if err != nil {
		return err
	}
	logger.Info().
		Int("processed", res.Processed).
		Int("failed", res.Failed).
		Str("size", cur.TargetSize().String()).
		Dur("took", time.Since(start)).
		Msg("Crop finished")
	return nil
}

func runCaption(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("caption", flag.ExitOnError)
	var c common
	c.register(fs)
	backend := fs.String("backend", "", "caption backend: ollama|llamacpp")
	url := fs.String("url", "", "backend server URL")
	model := fs.String("model", "", "model name")
	prefix := fs.String("prefix", "", "text prepended to every caption, e.g. a trigger word")
	prompt := fs.String("prompt", "", "caption prompt")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	if *backend != "" {
		cfg.Captions.Backend = *backend
	}
	if *url != "" {
		cfg.Captions.URL = *url
	}
	if *model != "" {
		cfg.Captions.Model = *model
	}
	if *prefix != "" {
		cfg.Captions.Prefix = *prefix
	}
	if *prompt != "" {
		cfg.Captions.Prompt = *prompt
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	res, err := cur.GenerateCaptions(ctx, root, progressLogger(logger))
	if errors.Is(err, datasetcurator.ErrNotProcessed) {
		return fmt.Errorf("%w (run crop first)", err)
	}
	if err != nil {
		return err
	}
	logger.Info().Int("processed", res.Processed).Int("failed", res.Failed).Msg("Captions finished")
	return nil
}

func runToml(args []string) error {
	fs := flag.NewFlagSet("toml", flag.ExitOnError)
	var c common
	c.register(fs)
	tokens := fs.String("tokens", "", "class tokens")
	repeats := fs.Int("repeats", 0, "num_repeats (1-100)")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if *tokens != "" {
		cfg.Training.ClassTokens = *tokens
	}
	if *repeats > 0 {
		cfg.Training.NumRepeats = *repeats
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	path, err := cur.WriteDatasetConfig(root)
	if err != nil {
		return err
	}
	fmt.Println(path)
	return nil
}

func runRename(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rename", flag.ExitOnError)
	var c common
	c.register(fs)
	suffix := fs.String("suffix", "", "suffix added before the sequence number")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	if *suffix == "" {
		return errors.New("rename: -suffix is required")
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	res, err := cur.RenameImages(ctx, root, *suffix, progressLogger(logger))
	if err != nil {
		return err
	}
	logger.Info().Int("renamed", res.Processed).Int("failed", res.Failed).Msg("Rename finished")
	return nil
}

// stringList collects a repeatable flag
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, "; ") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ExitOnError)
	var c common
	c.register(fs)
	var commands stringList
	fs.Var(&commands, "cmd", "training command; repeat to queue several. Placeholders: "+
		datasetcurator.PlaceholderDatasetConfig+" "+datasetcurator.PlaceholderDataset+" "+datasetcurator.PlaceholderOutputName)
	name := fs.String("name", "", "output name (defaults to the dataset directory name)")
	timeout := fs.Duration("timeout", 0, "kill a run after this long (0 = never)")
	strict := fs.Bool("strict", false, "judge runs by exit code only, ignoring success markers in the output")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	if len(commands) == 0 {
		return errors.New("train: at least one -cmd is required")
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if *timeout > 0 {
		cfg.Training.Timeout = *timeout
	}
	if *strict {
		cfg.Training.TrustSuccessMarkers = false
	}

	out := os.Stdout
	listener := func(e queue.Event) {
		switch e.Kind {
		case queue.LogLine:
			fmt.Fprintln(out, e.Line)
		case queue.TaskAdded, queue.TaskUpdated:
			logger.Info().Str("task", e.Task.ID.String()).Msg(e.Task.DisplayText())
		}
	}

	cur, err := newCurator(cfg, logger, listener)
	if err != nil {
		return err
	}
	defer cur.Close()

	for i, cmd := range commands {
		output := *name
		if output != "" && len(commands) > 1 {
			output = fmt.Sprintf("%s_%d", output, i+1)
		}
		if _, err := cur.EnqueueTraining(root, output, cmd); err != nil {
			return err
		}
	}

	if err := cur.Queue().Drain(ctx); err != nil {
		return err
	}

	failed := 0
	for _, t := range cur.Queue().Tasks() {
		if t.Status == queue.StatusFailed {
			failed++
		}
	}
	logger.Info().Str("queue", cur.Queue().Summary()).Msg("Training queue finished")
	if failed > 0 {
		return fmt.Errorf("%d of %d training runs failed", failed, len(commands))
	}
	return nil
}

func runSync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	var c common
	c.register(fs)
	endpoint := fs.String("endpoint", "", "S3/MinIO endpoint host:port")
	bucket := fs.String("bucket", "", "bucket name")
	prefix := fs.String("prefix", "", "object key prefix")

	root, err := parseRoot(fs, args)
	if err != nil {
		return err
	}
	cfg, logger, err := c.load()
	if err != nil {
		return err
	}
	if *endpoint != "" {
		cfg.Storage.Endpoint = *endpoint
	}
	if *bucket != "" {
		cfg.Storage.Bucket = *bucket
	}
	if *prefix != "" {
		cfg.Storage.Prefix = *prefix
	}

	cur, err := newCurator(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer cur.Close()

	n, err := cur.SyncDataset(ctx, root)
	if err != nil {
		return err
	}
	logger.Info().Int("files", n).Str("bucket", cfg.Storage.Bucket).Msg("Sync finished")
	return nil
}

func runConfig(args []string) error {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("out", config.GetConfigPath(), "where to write the configuration")
	force := fs.Bool("force", false, "overwrite an existing file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if utils.FileExists(*out) && !*force {
		return fmt.Errorf("%s already exists (use -force to overwrite)", *out)
	}
	if err := config.Default().SaveToFile(*out); err != nil {
		return err
	}
	fmt.Println(*out)
	return nil
}
