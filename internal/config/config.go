// Package config defines the capture configuration and layers it from
// command-line flags, SAMPLEGRAB_* environment variables and an optional
// YAML file using viper.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/zsiec/samplegrab/internal/capture"
)

// EnvPrefix is the prefix for environment overrides, e.g. SAMPLEGRAB_DEPTH.
const EnvPrefix = "SAMPLEGRAB"

// Log formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// Config is the complete capture configuration.
type Config struct {
	// Output is the file samples are written to; empty disables saving.
	Output string `mapstructure:"output"`
	// Size is the raw sample count argument, e.g. "2M". Empty means capture
	// until interrupted.
	Size string `mapstructure:"size"`

	Verbose   bool   `mapstructure:"verbose"`
	Debug     bool   `mapstructure:"debug"`
	LogFormat string `mapstructure:"log_format"`

	// Device is the character device of the capture front end.
	Device string `mapstructure:"device"`
	// Baud is applied when Device is a tty; 0 leaves the line speed alone.
	Baud int `mapstructure:"baud"`

	FlushBytes   int64 `mapstructure:"flush_bytes"`
	SliceSize    int   `mapstructure:"slice_size"`
	PipeCapacity int   `mapstructure:"pipe_capacity"`
	ChunkSize    int   `mapstructure:"chunk_size"`
	Depth        int   `mapstructure:"depth"`
	OutputBuffer int   `mapstructure:"output_buffer"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `mapstructure:"metrics_addr"`
	// Report, when set, receives a YAML summary of the capture.
	Report string `mapstructure:"report"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LogFormat:    LogFormatText,
		Device:       "/dev/ttyUSB0",
		FlushBytes:   capture.DefaultFlushBytes,
		SliceSize:    50,
		PipeCapacity: 0,
		ChunkSize:    256,
		Depth:        8,
		OutputBuffer: 1 << 16,
	}
}

// SetDefaults registers Default() values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("size", d.Size)
	v.SetDefault("verbose", d.Verbose)
	v.SetDefault("debug", d.Debug)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("device", d.Device)
	v.SetDefault("baud", d.Baud)
	v.SetDefault("flush_bytes", d.FlushBytes)
	v.SetDefault("slice_size", d.SliceSize)
	v.SetDefault("pipe_capacity", d.PipeCapacity)
	v.SetDefault("chunk_size", d.ChunkSize)
	v.SetDefault("depth", d.Depth)
	v.SetDefault("output_buffer", d.OutputBuffer)
	v.SetDefault("metrics_addr", d.MetricsAddr)
	v.SetDefault("report", d.Report)
}

// RegisterFlags adds the capture flags to fs. Flag names use dashes; the
// matching config keys use underscores.
func RegisterFlags(fs *pflag.FlagSet) {
	d := Default()
	fs.StringP("size", "s", "", "number of samples to collect before exiting; may be suffixed with k (1e3) or M (1e6)")
	fs.BoolP("verbose", "v", false, "print transfer progress and extra status")
	fs.Bool("debug", false, "enable debug logging")
	fs.String("log-format", d.LogFormat, "log output format: text or json")
	fs.String("config", "", "optional YAML config file")
	fs.StringP("device", "d", d.Device, "capture device path")
	fs.Int("baud", d.Baud, "line speed when the device is a tty (0 keeps the current speed)")
	fs.Int64("flush-bytes", d.FlushBytes, "bytes discarded at start while the front end FIFO settles")
	fs.Int("slice-size", d.SliceSize, "bytes written to disk per writer iteration")
	fs.Int("pipe-capacity", d.PipeCapacity, "bytes buffered between receive and write paths (0 = unbounded)")
	fs.Int("chunk-size", d.ChunkSize, "bytes requested from the device per read")
	fs.Int("depth", d.Depth, "device reads kept in flight")
	fs.Int("output-buffer", d.OutputBuffer, "output file buffer size in bytes")
	fs.String("metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	fs.String("report", "", "write a YAML capture report to this path")
}

// Bind wires fs into v and enables SAMPLEGRAB_* environment overrides.
func Bind(v *viper.Viper, fs *pflag.FlagSet) error {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		key := strings.ReplaceAll(f.Name, "-", "_")
		if err := v.BindPFlag(key, f); err != nil {
			errs = append(errs, fmt.Errorf("bind flag %q: %w", f.Name, err))
		}
	})
	return errors.Join(errs...)
}

// Load reads the optional config file and returns the validated Config
// layered from defaults, file, environment and flags.
func Load(v *viper.Viper, file string) (*Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %q: %w", file, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cfg and returns a joined error listing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Size != "" {
		if _, err := cfg.TargetBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	if cfg.LogFormat != LogFormatText && cfg.LogFormat != LogFormatJSON {
		errs = append(errs, fmt.Errorf("log_format %q is invalid; valid values: text, json", cfg.LogFormat))
	}
	if cfg.FlushBytes < 0 {
		errs = append(errs, fmt.Errorf("flush_bytes %d must not be negative", cfg.FlushBytes))
	}
	if cfg.SliceSize <= 0 {
		errs = append(errs, fmt.Errorf("slice_size %d must be positive", cfg.SliceSize))
	}
	if cfg.PipeCapacity < 0 {
		errs = append(errs, fmt.Errorf("pipe_capacity %d must not be negative", cfg.PipeCapacity))
	}
	if cfg.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk_size %d must be positive", cfg.ChunkSize))
	}
	if cfg.Depth <= 0 {
		errs = append(errs, fmt.Errorf("depth %d must be positive", cfg.Depth))
	}
	if cfg.OutputBuffer <= 0 {
		errs = append(errs, fmt.Errorf("output_buffer %d must be positive", cfg.OutputBuffer))
	}
	if cfg.Baud < 0 {
		errs = append(errs, fmt.Errorf("baud %d must not be negative", cfg.Baud))
	}
	if cfg.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if cfg.PipeCapacity > 0 && cfg.PipeCapacity < cfg.SliceSize {
		slog.Warn("pipe_capacity is smaller than slice_size; the writer will never fill a slice",
			"pipe_capacity", cfg.PipeCapacity, "slice_size", cfg.SliceSize)
	}

	return errors.Join(errs...)
}

// TargetBytes converts Size into a byte target. An empty Size yields 0,
// meaning no target. A size too small to fill one byte is rejected.
func (c *Config) TargetBytes() (int64, error) {
	if c.Size == "" {
		return 0, nil
	}
	samples, err := ParseSize(c.Size)
	if err != nil {
		return 0, err
	}
	bytes := samples / capture.SamplesPerByte
	if bytes <= 0 {
		return 0, fmt.Errorf("%w %q: fewer samples than fit in one byte", ErrInvalidSize, c.Size)
	}
	return bytes, nil
}
