package config

import (
	"fmt"
	"image"
	"runtime"
	"strings"
	"time"

	"github.com/MeKo-Tech/scanpreview/internal/export"
	"github.com/MeKo-Tech/scanpreview/internal/loader"
	"github.com/MeKo-Tech/scanpreview/internal/scan"
	"github.com/MeKo-Tech/scanpreview/internal/session"
	"github.com/MeKo-Tech/scanpreview/internal/vision"
	"github.com/MeKo-Tech/scanpreview/internal/vision/native"
	"github.com/MeKo-Tech/scanpreview/internal/vision/opencv"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Engine: EngineConfig{
			Backend:        native.Name,
			InitTimeoutSec: int(vision.DefaultInitTimeout / time.Second),
		},
		Pipeline: PipelineConfig{
			Preset:            scan.PresetGaussian,
			MaxConcurrentRuns: runtime.NumCPU(),
			MaxPixels:         loader.DefaultMaxPixels,
		},
		Output: OutputConfig{
			Format: string(export.FormatPNG),
			Dir:    ".",
		},
		Server: ServerConfig{
			Host:              "localhost",
			Port:              8080,
			CORSOrigin:        "*",
			MaxUploadMB:       50,
			TimeoutSec:        30,
			ShutdownTimeout:   10,
			SessionTTLMin:     int(session.DefaultTTL / time.Minute),
			RateLimitEnabled:  false,
			RequestsPerMinute: 60,
			RequestsPerHour:   1000,
			MaxRequestsPerDay: 5000,
			MaxDataPerDay:     1 << 30,
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	validBackends := []string{native.Name, opencv.Name}
	if !contains(validBackends, c.Engine.Backend) {
		return fmt.Errorf("invalid engine backend: %s (must be one of: %s)", c.Engine.Backend, strings.Join(validBackends, ", "))
	}
	if c.Engine.InitTimeoutSec <= 0 {
		return fmt.Errorf("invalid engine init timeout: %d (must be positive)", c.Engine.InitTimeoutSec)
	}

	if _, err := export.ParseFormat(c.Output.Format); err != nil {
		return fmt.Errorf("invalid output format: %w", err)
	}

	if _, err := c.Preset(); err != nil {
		return err
	}
	if c.Pipeline.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("invalid max concurrent runs: %d (must be positive)", c.Pipeline.MaxConcurrentRuns)
	}
	if c.Pipeline.MaxPixels <= 0 {
		return fmt.Errorf("invalid max pixels: %d (must be positive)", c.Pipeline.MaxPixels)
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}
	if c.Server.TimeoutSec <= 0 {
		return fmt.Errorf("invalid timeout: %d (must be positive)", c.Server.TimeoutSec)
	}
	if c.Server.SessionTTLMin <= 0 {
		return fmt.Errorf("invalid session ttl: %d (must be positive)", c.Server.SessionTTLMin)
	}
	if c.Server.RateLimitEnabled && (c.Server.RequestsPerMinute <= 0 || c.Server.RequestsPerHour <= 0) {
		return fmt.Errorf("invalid rate limits: %d/min, %d/hour (must be positive when enabled)",
			c.Server.RequestsPerMinute, c.Server.RequestsPerHour)
	}

	return nil
}

// Preset resolves the named preset and applies the numeric overrides.
func (c *Config) Preset() (scan.Preset, error) {
	p, err := scan.PresetByName(c.Pipeline.Preset)
	if err != nil {
		return scan.Preset{}, fmt.Errorf("invalid pipeline preset: %w", err)
	}
	if c.Pipeline.BlockSize != 0 {
		p.BlockSize = c.Pipeline.BlockSize
	}
	if c.Pipeline.Offset != nil {
		p.Offset = *c.Pipeline.Offset
	}
	if c.Pipeline.BlurKernel != 0 {
		p.BlurKernel = c.Pipeline.BlurKernel
	}
	if c.Pipeline.MorphKernel != 0 {
		p.MorphKernel = image.Pt(c.Pipeline.MorphKernel, c.Pipeline.MorphKernel)
	}
	if err := p.Validate(); err != nil {
		return scan.Preset{}, fmt.Errorf("invalid pipeline settings: %w", err)
	}
	return p, nil
}

// EngineFactory returns the factory for the configured backend.
func (c *Config) EngineFactory() (vision.Factory, error) {
	switch c.Engine.Backend {
	case native.Name, "":
		return native.Factory, nil
	case opencv.Name:
		return opencv.Factory, nil
	default:
		return nil, fmt.Errorf("unknown engine backend: %s", c.Engine.Backend)
	}
}

// InitTimeout is the engine initialization deadline.
func (c *Config) InitTimeout() time.Duration {
	if c.Engine.InitTimeoutSec <= 0 {
		return vision.DefaultInitTimeout
	}
	return time.Duration(c.Engine.InitTimeoutSec) * time.Second
}

// contains checks if a slice contains a string.
func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
