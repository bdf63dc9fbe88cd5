//nolint:lll
package config

// Config represents the complete configuration for scanpreview.
// It includes settings for the serve and scan commands and supports
// loading from configuration files, environment variables, and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Vision engine
	Engine EngineConfig `mapstructure:"engine" yaml:"engine" json:"engine"`

	// Scan pipeline parameters
	Pipeline PipelineConfig `mapstructure:"pipeline" yaml:"pipeline" json:"pipeline"`

	// Output configuration
	Output OutputConfig `mapstructure:"output" yaml:"output" json:"output"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// EngineConfig selects and bounds the vision engine.
type EngineConfig struct {
	Backend        string `mapstructure:"backend" yaml:"backend" json:"backend"`
	InitTimeoutSec int    `mapstructure:"init_timeout_sec" yaml:"init_timeout_sec" json:"init_timeout_sec"`
}

// PipelineConfig contains scan pipeline settings. Zero values for the
// integer overrides keep the preset's value; Offset overrides only when
// set, since 0 is a valid threshold offset.
type PipelineConfig struct {
	Preset            string   `mapstructure:"preset" yaml:"preset" json:"preset"`
	BlockSize         int      `mapstructure:"block_size" yaml:"block_size" json:"block_size"`
	Offset            *float64 `mapstructure:"offset" yaml:"offset,omitempty" json:"offset,omitempty"`
	BlurKernel        int      `mapstructure:"blur_kernel" yaml:"blur_kernel" json:"blur_kernel"`
	MorphKernel       int      `mapstructure:"morph_kernel" yaml:"morph_kernel" json:"morph_kernel"`
	MaxConcurrentRuns int      `mapstructure:"max_concurrent_runs" yaml:"max_concurrent_runs" json:"max_concurrent_runs"`
	MaxPixels         int      `mapstructure:"max_pixels" yaml:"max_pixels" json:"max_pixels"`
}

// OutputConfig contains download and CLI output settings.
type OutputConfig struct {
	Format string `mapstructure:"format" yaml:"format" json:"format"`
	Dir    string `mapstructure:"dir" yaml:"dir" json:"dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int    `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	SessionTTLMin   int    `mapstructure:"session_ttl_min" yaml:"session_ttl_min" json:"session_ttl_min"`

	// Rate limiting
	RateLimitEnabled  bool  `mapstructure:"rate_limit_enabled" yaml:"rate_limit_enabled" json:"rate_limit_enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDay     int64 `mapstructure:"max_data_per_day" yaml:"max_data_per_day" json:"max_data_per_day"`
}
