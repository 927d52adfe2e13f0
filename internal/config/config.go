package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"go-modelvault/internal/models"

	"github.com/BurntSushi/toml"
	log "github.com/sirupsen/logrus"
)

// Validation levels accepted by the catalog scanner.
const (
	ValidationQuick    = "quick"
	ValidationStandard = "standard"
	ValidationFull     = "full"
)

// DefaultModelExtensions is the extension allow-list used when the config has none.
var DefaultModelExtensions = []string{".safetensors", ".sft", ".ckpt", ".pt", ".pth", ".bin", ".gguf", ".onnx"}

var ErrInvalidConfig = errors.New("invalid configuration")

// LoadConfig reads the configuration from the specified path (defaulting to "config.toml"),
// applies defaults and validates it.
func LoadConfig(configFilePath string) (models.Config, error) {
	if configFilePath == "" {
		configFilePath = "config.toml"
	}
	var cfg models.Config
	_, err := toml.DecodeFile(configFilePath, &cfg)
	if err != nil {
		return models.Config{}, fmt.Errorf("error loading config file %s: %w", configFilePath, err)
	}

	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		return models.Config{}, err
	}
	warnMissingRoots(cfg)

	log.Infof("Configuration loaded from %s", configFilePath)
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *models.Config) {
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "modelvault.db"
	}
	if cfg.SettingsPath == "" {
		cfg.SettingsPath = "modelvault.settings"
	}
	if cfg.BleveIndexPath == "" {
		cfg.BleveIndexPath = "modelvault.bleve"
	}
	if len(cfg.ModelExtensions) == 0 {
		cfg.ModelExtensions = append([]string(nil), DefaultModelExtensions...)
	}
	for i, ext := range cfg.ModelExtensions {
		ext = strings.ToLower(strings.TrimSpace(ext))
		if ext != "" && !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		cfg.ModelExtensions[i] = ext
	}
	if cfg.ValidationLevel == "" {
		cfg.ValidationLevel = ValidationStandard
	}
	if cfg.ScanBatchSize <= 0 {
		cfg.ScanBatchSize = 16
	}
	if cfg.MaxConcurrentTasks <= 0 {
		cfg.MaxConcurrentTasks = 3
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = 0
	} else if cfg.DefaultMaxRetries == 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.ApiClientTimeoutSec <= 0 {
		cfg.ApiClientTimeoutSec = 60
	}
	if cfg.ApiLogPath == "" {
		cfg.ApiLogPath = "api.log"
	}
}

// Validate rejects values that would make the scanner or scheduler misbehave.
func Validate(cfg models.Config) error {
	switch cfg.ValidationLevel {
	case ValidationQuick, ValidationStandard, ValidationFull:
	default:
		return fmt.Errorf("%w: ValidationLevel %q (expected quick, standard or full)", ErrInvalidConfig, cfg.ValidationLevel)
	}
	if cfg.TaskTimeoutSec < 0 {
		return fmt.Errorf("%w: TaskTimeoutSec must not be negative", ErrInvalidConfig)
	}
	seen := make(map[string]string)
	for _, root := range cfg.LocalModelRoots {
		seen[root] = "LocalModelRoots"
	}
	for _, root := range cfg.WarehouseRoots {
		if other, ok := seen[root]; ok {
			return fmt.Errorf("%w: %s is listed in both %s and WarehouseRoots", ErrInvalidConfig, root, other)
		}
	}
	return nil
}

func warnMissingRoots(cfg models.Config) {
	check := func(kind string, roots []string) {
		for _, root := range roots {
			if _, err := os.Stat(root); err != nil {
				log.WithError(err).Warnf("%s entry %s is not accessible", kind, root)
			}
		}
	}
	check("LocalModelRoots", cfg.LocalModelRoots)
	check("WarehouseRoots", cfg.WarehouseRoots)
	check("WorkflowRoots", cfg.WorkflowRoots)
	if len(cfg.LocalModelRoots) == 0 && len(cfg.WarehouseRoots) == 0 {
		log.Warn("Warning: no model roots configured (LocalModelRoots / WarehouseRoots)")
	}
	if cfg.DownloadDir == "" {
		log.Warn("Warning: DownloadDir is not set in config.toml")
	}
}

// RootsByLocation maps each configured model root to its location.
func RootsByLocation(cfg models.Config) map[string][]string {
	return map[string][]string{
		models.LocationLocal:     cfg.LocalModelRoots,
		models.LocationWarehouse: cfg.WarehouseRoots,
	}
}
