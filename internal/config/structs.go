//nolint:lll
package config

import (
	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/detector"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/storage"
)

// Config represents the complete configuration for docscan. It covers the
// serve and scan commands and is loaded from configuration files,
// environment variables and command-line flags.
type Config struct {
	// Global settings
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	// Page and export files
	Storage storage.Config `mapstructure:"storage" yaml:"storage" json:"storage"`

	// Capture inbox
	Capture capture.Config `mapstructure:"capture" yaml:"capture" json:"capture"`

	// Document detection
	Detection detector.Config `mapstructure:"detection" yaml:"detection" json:"detection"`

	// Image processing limits
	Engine EngineConfig `mapstructure:"engine" yaml:"engine" json:"engine"`

	// PDF and TIFF export
	Export scanner.ExportConfig `mapstructure:"export" yaml:"export" json:"export"`

	// Operation gate and debug surface
	Gate GateConfig `mapstructure:"gate" yaml:"gate" json:"gate"`

	// Server configuration (for serve command)
	Server ServerConfig `mapstructure:"server" yaml:"server" json:"server"`
}

// EngineConfig contains image size limits.
type EngineConfig struct {
	MaxImageSide    int `mapstructure:"max_image_side" yaml:"max_image_side" json:"max_image_side"`
	MaxDocumentSide int `mapstructure:"max_document_side" yaml:"max_document_side" json:"max_document_side"`
}

// GateConfig contains operation gate settings.
type GateConfig struct {
	// OperationTimeout bounds each scanner call, e.g. "30s". Zero disables it.
	OperationTimeout string `mapstructure:"operation_timeout" yaml:"operation_timeout" json:"operation_timeout"`
	DebugHistory     int    `mapstructure:"debug_history" yaml:"debug_history" json:"debug_history"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Host            string          `mapstructure:"host" yaml:"host" json:"host"`
	Port            int             `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string          `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int             `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	TimeoutSec      int             `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	ShutdownTimeout int             `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
	RateLimit       RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit" json:"rate_limit"`
}

// RateLimitConfig contains per-client request limits.
type RateLimitConfig struct {
	Enabled           bool  `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	RequestsPerMinute int   `mapstructure:"requests_per_minute" yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestsPerHour   int   `mapstructure:"requests_per_hour" yaml:"requests_per_hour" json:"requests_per_hour"`
	MaxRequestsPerDay int   `mapstructure:"max_requests_per_day" yaml:"max_requests_per_day" json:"max_requests_per_day"`
	MaxDataPerDay     int64 `mapstructure:"max_data_per_day" yaml:"max_data_per_day" json:"max_data_per_day"`
}
