package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// ConfigFileName is the base name for configuration files (without extension).
	ConfigFileName = "docscan"

	// EnvPrefix is the prefix for environment variables.
	EnvPrefix = "DOCSCAN"
)

// Loader handles loading configuration from various sources.
type Loader struct {
	v *viper.Viper
}

// NewLoaderWithViper creates a loader on v.
func NewLoaderWithViper(v *viper.Viper) *Loader {
	return &Loader{v: v}
}

// Load searches the standard paths for a configuration file, applies
// environment variables and defaults, and validates the result. A missing
// configuration file is not an error.
func (l *Loader) Load() (*Config, error) {
	cfg, err := l.LoadWithoutValidation()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithoutValidation is Load without the validation step.
func (l *Loader) LoadWithoutValidation() (*Config, error) {
	l.v.SetConfigName(ConfigFileName)
	l.v.SetConfigType("yaml")
	l.addConfigPaths()
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return l.unmarshal()
}

// LoadWithFile loads configuration from a specific file path.
func (l *Loader) LoadWithFile(configFile string) (*Config, error) {
	if configFile == "" {
		return l.Load()
	}
	cfg, err := l.LoadWithFileWithoutValidation(configFile)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// LoadWithFileWithoutValidation loads configuration from a specific file path without validation.
func (l *Loader) LoadWithFileWithoutValidation(configFile string) (*Config, error) {
	if configFile == "" {
		return l.LoadWithoutValidation()
	}
	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", configFile)
	}

	l.v.SetConfigFile(configFile)
	l.setupEnvironmentVariables()
	l.setDefaults()

	if err := l.v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s: %w", configFile, err)
	}
	return l.unmarshal()
}

func (l *Loader) unmarshal() (*Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the config file used.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Viper returns the underlying viper instance.
func (l *Loader) Viper() *viper.Viper {
	return l.v
}

func (l *Loader) addConfigPaths() {
	for _, p := range SearchPaths() {
		l.v.AddConfigPath(p)
	}
}

func (l *Loader) setupEnvironmentVariables() {
	l.v.SetEnvPrefix(EnvPrefix)
	l.v.AutomaticEnv()
	// DOCSCAN_SERVER_PORT maps to server.port.
	l.v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

// setDefaults registers every key, which also makes AutomaticEnv see nested
// keys during Unmarshal.
func (l *Loader) setDefaults() {
	d := DefaultConfig()

	l.v.SetDefault("log_level", d.LogLevel)
	l.v.SetDefault("verbose", d.Verbose)

	l.v.SetDefault("storage.dir", d.Storage.Dir)
	l.v.SetDefault("storage.image_format", d.Storage.ImageFormat)
	l.v.SetDefault("storage.jpeg_quality", d.Storage.JPEGQuality)
	l.v.SetDefault("storage.preview_size", d.Storage.PreviewSize)

	l.v.SetDefault("capture.inbox_dir", d.Capture.InboxDir)
	l.v.SetDefault("capture.archive_dir", d.Capture.ArchiveDir)
	l.v.SetDefault("capture.recursive", d.Capture.Recursive)
	l.v.SetDefault("capture.include", d.Capture.Include)
	l.v.SetDefault("capture.exclude", d.Capture.Exclude)
	l.v.SetDefault("capture.max_pages", d.Capture.MaxPages)
	l.v.SetDefault("capture.settle_time", d.Capture.SettleTime.String())

	l.v.SetDefault("detection.working_size", d.Detection.WorkingSize)
	l.v.SetDefault("detection.min_area_ratio", d.Detection.MinAreaRatio)
	l.v.SetDefault("detection.min_detect_ratio", d.Detection.MinDetectRatio)
	l.v.SetDefault("detection.max_aspect_ratio", d.Detection.MaxAspectRatio)
	l.v.SetDefault("detection.min_contrast", d.Detection.MinContrast)
	l.v.SetDefault("detection.morph_kernel", d.Detection.MorphKernel)
	l.v.SetDefault("detection.debug_dir", d.Detection.DebugDir)

	l.v.SetDefault("engine.max_image_side", d.Engine.MaxImageSide)
	l.v.SetDefault("engine.max_document_side", d.Engine.MaxDocumentSide)

	l.v.SetDefault("export.name", d.Export.Name)
	l.v.SetDefault("export.page_size", d.Export.PageSize)
	l.v.SetDefault("export.password", d.Export.Password)
	l.v.SetDefault("export.import_password", d.Export.ImportPassword)
	l.v.SetDefault("export.tiff_dpi", d.Export.TIFFDPI)

	l.v.SetDefault("gate.operation_timeout", d.Gate.OperationTimeout)
	l.v.SetDefault("gate.debug_history", d.Gate.DebugHistory)

	l.v.SetDefault("server.host", d.Server.Host)
	l.v.SetDefault("server.port", d.Server.Port)
	l.v.SetDefault("server.cors_origin", d.Server.CORSOrigin)
	l.v.SetDefault("server.max_upload_mb", d.Server.MaxUploadMB)
	l.v.SetDefault("server.timeout_sec", d.Server.TimeoutSec)
	l.v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	l.v.SetDefault("server.rate_limit.enabled", d.Server.RateLimit.Enabled)
	l.v.SetDefault("server.rate_limit.requests_per_minute", d.Server.RateLimit.RequestsPerMinute)
	l.v.SetDefault("server.rate_limit.requests_per_hour", d.Server.RateLimit.RequestsPerHour)
	l.v.SetDefault("server.rate_limit.max_requests_per_day", d.Server.RateLimit.MaxRequestsPerDay)
	l.v.SetDefault("server.rate_limit.max_data_per_day", d.Server.RateLimit.MaxDataPerDay)
}

// WriteConfigToFile writes the current settings to filename.
func (l *Loader) WriteConfigToFile(filename string) error {
	return l.v.WriteConfigAs(filename)
}

// GenerateDefaultConfigFile writes a configuration file holding every
// default value. Passwords are left empty.
func GenerateDefaultConfigFile(filename string) error {
	if filename == "" {
		filename = ConfigFileName + ".yaml"
	}
	l := NewLoaderWithViper(viper.New())
	l.setDefaults()
	return l.WriteConfigToFile(filename)
}

// SearchPaths returns the directories searched for a configuration file.
func SearchPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, home)
	}
	if configDir, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		paths = append(paths, filepath.Join(configDir, "docscan"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "docscan"))
	}
	return append(paths, "/etc/docscan")
}
