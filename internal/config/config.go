package config

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/MeKo-Tech/docscan/internal/capture"
	"github.com/MeKo-Tech/docscan/internal/detector"
	"github.com/MeKo-Tech/docscan/internal/scanner"
	"github.com/MeKo-Tech/docscan/internal/session"
	"github.com/MeKo-Tech/docscan/internal/storage"
	"github.com/MeKo-Tech/docscan/internal/utils"
)

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		LogLevel:  "info",
		Verbose:   false,
		Storage:   storage.DefaultConfig(),
		Capture:   capture.Config{SettleTime: time.Second},
		Detection: detector.DefaultConfig(),
		Engine: EngineConfig{
			MaxImageSide:    utils.DefaultImageConstraints().MaxWidth,
			MaxDocumentSide: 0,
		},
		Export: scanner.DefaultExportConfig(),
		Gate: GateConfig{
			OperationTimeout: "0s",
			DebugHistory:     session.DefaultDebugHistory,
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     50,
			TimeoutSec:      60,
			ShutdownTimeout: 10,
			RateLimit: RateLimitConfig{
				Enabled:           false,
				RequestsPerMinute: 120,
				RequestsPerHour:   2000,
				MaxRequestsPerDay: 10000,
				MaxDataPerDay:     500 * 1024 * 1024,
			},
		},
	}
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	format := strings.ToLower(c.Storage.ImageFormat)
	if format != "" && !slices.Contains([]string{"jpg", "jpeg", "png"}, format) {
		return fmt.Errorf("invalid storage image format: %s (must be jpg or png)", c.Storage.ImageFormat)
	}
	if c.Storage.JPEGQuality < 0 || c.Storage.JPEGQuality > 100 {
		return fmt.Errorf("invalid jpeg quality: %d (must be between 1 and 100)", c.Storage.JPEGQuality)
	}

	if err := validateThreshold(c.Detection.MinAreaRatio, "detection.min_area_ratio"); err != nil {
		return err
	}
	if err := validateThreshold(c.Detection.MinDetectRatio, "detection.min_detect_ratio"); err != nil {
		return err
	}
	if c.Detection.MaxAspectRatio < 1 {
		return fmt.Errorf("invalid detection.max_aspect_ratio: %.2f (must be at least 1)", c.Detection.MaxAspectRatio)
	}
	if c.Detection.WorkingSize < 64 {
		return fmt.Errorf("invalid detection.working_size: %d (must be at least 64)", c.Detection.WorkingSize)
	}

	if c.Capture.MaxPages < 0 {
		return fmt.Errorf("invalid capture.max_pages: %d (must not be negative)", c.Capture.MaxPages)
	}
	if c.Engine.MaxImageSide < 0 || c.Engine.MaxDocumentSide < 0 {
		return fmt.Errorf("invalid engine limits: max_image_side=%d max_document_side=%d",
			c.Engine.MaxImageSide, c.Engine.MaxDocumentSide)
	}
	if c.Export.TIFFDPI < 0 {
		return fmt.Errorf("invalid export.tiff_dpi: %d (must not be negative)", c.Export.TIFFDPI)
	}

	if _, err := c.OperationTimeout(); err != nil {
		return err
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

	return nil
}

// OperationTimeout parses gate.operation_timeout.
func (c *Config) OperationTimeout() (time.Duration, error) {
	if c.Gate.OperationTimeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Gate.OperationTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid gate.operation_timeout: %w", err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid gate.operation_timeout: %s (must not be negative)", d)
	}
	return d, nil
}

// ToEngineOptions converts the config to scanner engine options.
func (c *Config) ToEngineOptions() scanner.Options {
	return scanner.Options{
		MaxImageSide:    c.Engine.MaxImageSide,
		MaxDocumentSide: c.Engine.MaxDocumentSide,
		DebugDir:        c.Detection.DebugDir,
		Export:          c.Export,
	}
}

// ToSessionConfig converts the config to session settings.
func (c *Config) ToSessionConfig() session.Config {
	timeout, _ := c.OperationTimeout()
	return session.Config{
		OperationTimeout: timeout,
		DebugHistory:     c.Gate.DebugHistory,
		PDF: scanner.PDFOptions{
			Name:     c.Export.Name,
			PageSize: c.Export.PageSize,
			Password: c.Export.Password,
		},
		TIFFDPI: c.Export.TIFFDPI,
	}
}

// validateThreshold validates that a value is between 0.0 and 1.0.
func validateThreshold(value float64, name string) error {
	if value < 0.0 || value > 1.0 {
		return fmt.Errorf("invalid %s: %.2f (must be between 0.0 and 1.0)", name, value)
	}
	return nil
}
