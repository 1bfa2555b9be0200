// Package config holds the settings for a compaction run. Settings start at
// their defaults, are overlaid by an optional YAML file, and finally by
// command-line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/dargueta/punchzero"
	"github.com/dargueta/punchzero/extent"
	"github.com/dargueta/punchzero/source"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	// Report problems using the names people write in the YAML file.
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("yaml"), ",")
		if name == "-" || name == "" {
			return field.Name
		}
		return name
	})
}

type Config struct {
	Backend         string `yaml:"backend" validate:"oneof=window mmap"`
	WindowSectors   int    `yaml:"window_sectors" validate:"min=1"`
	CachedWindows   int    `yaml:"cached_windows" validate:"min=1"`
	GrainTableCache int    `yaml:"grain_table_cache" validate:"min=1"`
	MaxChainDepth   int    `yaml:"max_chain_depth" validate:"min=1"`
	KeepPartial     bool   `yaml:"keep_partial"`
	LogLevel        string `yaml:"log_level" validate:"oneof=panic fatal error warn warning info debug trace"`
	// CSVPath, if set, is where the chain summary is also written as CSV.
	CSVPath string `yaml:"csv"`
}

// Default returns the configuration used when nothing else is given.
func Default() Config {
	return Config{
		Backend:         source.BackendWindow,
		WindowSectors:   source.DefaultWindowSectors,
		CachedWindows:   source.DefaultCachedWindows,
		GrainTableCache: extent.DefaultGrainTableCacheSize,
		MaxChainDepth:   extent.DefaultMaxChainDepth,
		LogLevel:        logrus.WarnLevel.String(),
	}
}

// Load reads a YAML file on top of the defaults. Keys missing from the file
// keep their default values; unknown keys are an error. The result is not
// validated, since flags may still override it.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, punchzero.ErrIO.Wrap(
			fmt.Errorf("failed to read configuration file %s: %w", path, err))
	}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err = decoder.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, punchzero.ErrInvalidArgument.Wrap(
			fmt.Errorf("failed to parse configuration file %s: %w", path, err))
	}
	return cfg, nil
}

// Validate checks every setting, reporting all problems at once.
func (cfg Config) Validate() error {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}

	var fieldErrors validator.ValidationErrors
	if !errors.As(err, &fieldErrors) {
		return punchzero.ErrInvalidArgument.Wrap(err)
	}

	problems := make([]string, 0, len(fieldErrors))
	for _, fieldError := range fieldErrors {
		problems = append(
			problems,
			fmt.Sprintf("%s=%v fails %q", fieldError.Field(), fieldError.Value(), fieldError.ActualTag()))
	}
	return punchzero.ErrInvalidArgument.WithMessage(
		"invalid configuration: " + strings.Join(problems, "; "))
}

// Level returns the parsed log level. Call Validate first.
func (cfg Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return logrus.WarnLevel
	}
	return level
}

// ExtentOptions converts the configuration into options for loading a chain.
func (cfg Config) ExtentOptions(logger logrus.FieldLogger) extent.Options {
	return extent.Options{
		Source: source.Options{
			Backend:       cfg.Backend,
			WindowSectors: cfg.WindowSectors,
			CachedWindows: cfg.CachedWindows,
		},
		GrainTableCacheSize: cfg.GrainTableCache,
		MaxChainDepth:       cfg.MaxChainDepth,
		Logger:              logger,
	}
}
