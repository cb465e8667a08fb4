package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to environment overrides, e.g. CURATOR_TRAINING_TIMEOUT
const EnvPrefix = "CURATOR"

// Config holds the application configuration
type Config struct {
	Processing ProcessingConfig `json:"processing" mapstructure:"processing"`
	Faces      FacesConfig      `json:"faces" mapstructure:"faces"`
	Captions   CaptionsConfig   `json:"captions" mapstructure:"captions"`
	Training   TrainingConfig   `json:"training" mapstructure:"training"`
	Storage    StorageConfig    `json:"storage" mapstructure:"storage"`
	Log        LogConfig        `json:"log" mapstructure:"log"`
}

// ProcessingConfig holds configuration for geometry normalization
type ProcessingConfig struct {
	TargetWidth         int      `json:"target_width" mapstructure:"target_width"`
	TargetHeight        int      `json:"target_height" mapstructure:"target_height"`
	Extensions          []string `json:"extensions" mapstructure:"extensions"`
	OutputFormat        string   `json:"output_format" mapstructure:"output_format"`
	NearSquareTolerance float64  `json:"near_square_tolerance" mapstructure:"near_square_tolerance"`
	Workers             int      `json:"workers" mapstructure:"workers"`
	DebugOverlay        bool     `json:"debug_overlay" mapstructure:"debug_overlay"`
}

// FacesConfig selects and tunes the face detector
type FacesConfig struct {
	Enabled        bool    `json:"enabled" mapstructure:"enabled"`
	Backend        string  `json:"backend" mapstructure:"backend"`
	CascadePath    string  `json:"cascade_path" mapstructure:"cascade_path"`
	ModelPath      string  `json:"model_path" mapstructure:"model_path"`
	LibraryPath    string  `json:"library_path" mapstructure:"library_path"`
	MinSize        int     `json:"min_size" mapstructure:"min_size"`
	ScoreThreshold float64 `json:"score_threshold" mapstructure:"score_threshold"`
	IoUThreshold   float64 `json:"iou_threshold" mapstructure:"iou_threshold"`
}

// CaptionsConfig holds configuration for caption generation
type CaptionsConfig struct {
	Backend string `json:"backend" mapstructure:"backend"`
	URL     string `json:"url" mapstructure:"url"`
	Model   string `json:"model" mapstructure:"model"`
	Prompt  string `json:"prompt" mapstructure:"prompt"`
	Prefix  string `json:"prefix" mapstructure:"prefix"`
	MaxSide int    `json:"max_side" mapstructure:"max_side"`
}

// TrainingConfig holds configuration for the training queue and supervisor
type TrainingConfig struct {
	Timeout             time.Duration `json:"timeout" mapstructure:"timeout"`
	GracePeriod         time.Duration `json:"grace_period" mapstructure:"grace_period"`
	PollInterval        time.Duration `json:"poll_interval" mapstructure:"poll_interval"`
	WatchdogInterval    time.Duration `json:"watchdog_interval" mapstructure:"watchdog_interval"`
	SuccessMarkers      []string      `json:"success_markers" mapstructure:"success_markers"`
	TrustSuccessMarkers bool          `json:"trust_success_markers" mapstructure:"trust_success_markers"`
	ClassTokens         string        `json:"class_tokens" mapstructure:"class_tokens"`
	NumRepeats          int           `json:"num_repeats" mapstructure:"num_repeats"`
}

// StorageConfig holds the optional object storage target for dataset sync
type StorageConfig struct {
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	AccessKey string `json:"access_key" mapstructure:"access_key"`
	SecretKey string `json:"secret_key" mapstructure:"secret_key"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	UseSSL    bool   `json:"use_ssl" mapstructure:"use_ssl"`
	Prefix    string `json:"prefix" mapstructure:"prefix"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Env   string `json:"env" mapstructure:"env"`
	Level string `json:"level" mapstructure:"level"`
}

// Default returns a configuration with default values
func Default() *Config {
	return &Config{
		Processing: ProcessingConfig{
			TargetWidth:         1024,
			TargetHeight:        1024,
			Extensions:          []string{"jpg", "jpeg", "png", "webp"},
			OutputFormat:        "png",
			NearSquareTolerance: 0.05,
			Workers:             1,
		},
		Faces: FacesConfig{
			Enabled:        false,
			Backend:        "pigo",
			MinSize:        30,
			ScoreThreshold: 5.0,
			IoUThreshold:   0.2,
		},
		Captions: CaptionsConfig{
			Backend: "ollama",
			URL:     "http://localhost:11434",
			Model:   "llava",
			MaxSide: 1024,
		},
		Training: TrainingConfig{
			Timeout:             0,
			GracePeriod:         5 * time.Second,
			PollInterval:        500 * time.Millisecond,
			WatchdogInterval:    time.Second,
			SuccessMarkers:      []string{"model saved", "saving checkpoint"},
			TrustSuccessMarkers: true,
			NumRepeats:          10,
		},
		Log: LogConfig{
			Env:   "production",
			Level: "info",
		},
	}
}

// Load reads configuration from path (json, yaml or toml by extension) on top
// of the defaults. An empty path loads defaults only. Environment variables
// prefixed with CURATOR_ override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("processing.target_width", d.Processing.TargetWidth)
	v.SetDefault("processing.target_height", d.Processing.TargetHeight)
	v.SetDefault("processing.extensions", d.Processing.Extensions)
	v.SetDefault("processing.output_format", d.Processing.OutputFormat)
	v.SetDefault("processing.near_square_tolerance", d.Processing.NearSquareTolerance)
	v.SetDefault("processing.workers", d.Processing.Workers)
	v.SetDefault("processing.debug_overlay", d.Processing.DebugOverlay)

	v.SetDefault("faces.enabled", d.Faces.Enabled)
	v.SetDefault("faces.backend", d.Faces.Backend)
	v.SetDefault("faces.cascade_path", d.Faces.CascadePath)
	v.SetDefault("faces.model_path", d.Faces.ModelPath)
	v.SetDefault("faces.library_path", d.Faces.LibraryPath)
	v.SetDefault("faces.min_size", d.Faces.MinSize)
	v.SetDefault("faces.score_threshold", d.Faces.ScoreThreshold)
	v.SetDefault("faces.iou_threshold", d.Faces.IoUThreshold)

	v.SetDefault("captions.backend", d.Captions.Backend)
	v.SetDefault("captions.url", d.Captions.URL)
	v.SetDefault("captions.model", d.Captions.Model)
	v.SetDefault("captions.prompt", d.Captions.Prompt)
	v.SetDefault("captions.prefix", d.Captions.Prefix)
	v.SetDefault("captions.max_side", d.Captions.MaxSide)

	v.SetDefault("training.timeout", d.Training.Timeout)
	v.SetDefault("training.grace_period", d.Training.GracePeriod)
	v.SetDefault("training.poll_interval", d.Training.PollInterval)
	v.SetDefault("training.watchdog_interval", d.Training.WatchdogInterval)
	v.SetDefault("training.success_markers", d.Training.SuccessMarkers)
	v.SetDefault("training.trust_success_markers", d.Training.TrustSuccessMarkers)
	v.SetDefault("training.class_tokens", d.Training.ClassTokens)
	v.SetDefault("training.num_repeats", d.Training.NumRepeats)

	v.SetDefault("storage.endpoint", d.Storage.Endpoint)
	v.SetDefault("storage.access_key", d.Storage.AccessKey)
	v.SetDefault("storage.secret_key", d.Storage.SecretKey)
	v.SetDefault("storage.bucket", d.Storage.Bucket)
	v.SetDefault("storage.use_ssl", d.Storage.UseSSL)
	v.SetDefault("storage.prefix", d.Storage.Prefix)

	v.SetDefault("log.env", d.Log.Env)
	v.SetDefault("log.level", d.Log.Level)
}

// SaveToFile saves configuration to a JSON file
func (c *Config) SaveToFile(filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Processing.TargetWidth <= 0 || c.Processing.TargetHeight <= 0 {
		return fmt.Errorf("processing.target_width and processing.target_height must be positive")
	}

	if len(c.Processing.Extensions) == 0 {
		return fmt.Errorf("processing.extensions cannot be empty")
	}

	switch strings.ToLower(c.Processing.OutputFormat) {
	case "png", "webp":
	default:
		return fmt.Errorf("processing.output_format must be png or webp")
	}

	if c.Processing.NearSquareTolerance < 0 || c.Processing.NearSquareTolerance > 1 {
		return fmt.Errorf("processing.near_square_tolerance must be between 0 and 1")
	}

	if c.Processing.Workers < 1 {
		return fmt.Errorf("processing.workers must be at least 1")
	}

	if c.Faces.Enabled {
		switch c.Faces.Backend {
		case "pigo":
			if c.Faces.CascadePath == "" {
				return fmt.Errorf("faces.cascade_path is required for the pigo backend")
			}
		case "onnx":
			if c.Faces.ModelPath == "" {
				return fmt.Errorf("faces.model_path is required for the onnx backend")
			}
		default:
			return fmt.Errorf("faces.backend must be pigo or onnx")
		}
	}

	switch c.Captions.Backend {
	case "ollama", "llamacpp":
	default:
		return fmt.Errorf("captions.backend must be ollama or llamacpp")
	}

	if c.Training.Timeout < 0 {
		return fmt.Errorf("training.timeout cannot be negative")
	}

	if c.Training.PollInterval <= 0 || c.Training.PollInterval > time.Second {
		return fmt.Errorf("training.poll_interval must be in (0, 1s]")
	}

	if c.Training.WatchdogInterval <= 0 {
		return fmt.Errorf("training.watchdog_interval must be positive")
	}

	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.json"
	}
	return filepath.Join(home, ".config", "dataset-curator", "config.json")
}
