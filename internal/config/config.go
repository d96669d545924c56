package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// SecurityConfig политика безопасности для целей затирания
type SecurityConfig struct {
	RequireConfirmation bool     `yaml:"require_confirmation"`
	ProtectedPaths      []string `yaml:"protected_paths"`
	AllowBlockDevices   bool     `yaml:"allow_block_devices"`
}

// WipeConfig параметры движка затирания
type WipeConfig struct {
	Standard      string  `yaml:"standard" validate:"required"`
	ChunkSize     int64   `yaml:"chunk_size" validate:"gt=0"`
	MaxConcurrent int     `yaml:"max_concurrent" validate:"min=1,max=64"`
	MaxSpeedMBps  float64 `yaml:"max_speed_mbps" validate:"gte=0"`
	MaxDuration   string  `yaml:"max_duration"`
	// Verify: "" - как в стандарте, "on" - проверять все проходы, "off" - не проверять
	Verify string `yaml:"verify" validate:"omitempty,oneof=on off"`
}

// LoggingConfig параметры журналирования
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	File       string `yaml:"file"`
	Structured bool   `yaml:"structured"`
}

// HistoryConfig хранилище истории заданий
type HistoryConfig struct {
	Dir         string `yaml:"dir"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CertificateConfig параметры выпуска сертификатов
type CertificateConfig struct {
	Algorithm string `yaml:"algorithm" validate:"oneof=ed25519 hmac-sha256"`
	Digest    string `yaml:"digest" validate:"oneof=sha256 blake2b-256"`
	KeyFile   string `yaml:"key_file"`
	KeyID     string `yaml:"key_id"`
	OutputDir string `yaml:"output_dir"`
}

// ServiceConfig параметры HTTP обёртки и рассылки прогресса
type ServiceConfig struct {
	HTTPAddr     string `yaml:"http_addr"`
	RedisAddr    string `yaml:"redis_addr"`
	RedisChannel string `yaml:"redis_channel"`
}

// Config конфигурация сервиса затирания
type Config struct {
	Security    SecurityConfig    `yaml:"security"`
	Wipe        WipeConfig        `yaml:"wipe"`
	Logging     LoggingConfig     `yaml:"logging"`
	History     HistoryConfig     `yaml:"history"`
	Certificate CertificateConfig `yaml:"certificate"`
	Service     ServiceConfig     `yaml:"service"`
}

const (
	minChunkSize = 4 * 1024          // 4KB
	maxChunkSize = 256 * 1024 * 1024 // 256MB
)

var validate = validator.New()

// Default возвращает конфигурацию по умолчанию
func Default() *Config {
	return &Config{
		Security: SecurityConfig{
			RequireConfirmation: true,
			ProtectedPaths: []string{
				"/bin", "/boot", "/etc", "/lib", "/proc", "/sbin", "/sys", "/usr",
			},
			AllowBlockDevices: false,
		},
		Wipe: WipeConfig{
			Standard:      "purge",
			ChunkSize:     4 * 1024 * 1024, // 4MB
			MaxConcurrent: 2,
			MaxSpeedMBps:  0, // без ограничения
			MaxDuration:   "",
		},
		Logging: LoggingConfig{
			Level:      "INFO",
			File:       "",
			Structured: true,
		},
		History: HistoryConfig{
			Dir: "./wipe-history",
		},
		Certificate: CertificateConfig{
			Algorithm: "ed25519",
			Digest:    "sha256",
			KeyFile:   "./keys/certificate.key",
			KeyID:     "default",
			OutputDir: "./certificates",
		},
		Service: ServiceConfig{
			HTTPAddr:     ":8080",
			RedisChannel: "wipeengine:progress",
		},
	}
}

// Load загружает конфигурацию из файла
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	// Значения по умолчанию перекрываются тем, что есть в файле
	config := Default()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := Validate(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Validate проверяет конфигурацию на валидность
func Validate(config *Config) error {
	if config == nil {
		return fmt.Errorf("configuration is nil")
	}

	if err := validate.Struct(config); err != nil {
		return err
	}

	// Проверяем chunk size
	if config.Wipe.ChunkSize < minChunkSize {
		return fmt.Errorf("chunk size too small (min 4KB), got %d", config.Wipe.ChunkSize)
	}
	if config.Wipe.ChunkSize > maxChunkSize {
		return fmt.Errorf("chunk size too large (max 256MB), got %d", config.Wipe.ChunkSize)
	}

	// Проверяем speed
	if config.Wipe.MaxSpeedMBps > 10000 {
		return fmt.Errorf("max speed too high (max 10000MB/s), got %f", config.Wipe.MaxSpeedMBps)
	}

	// Проверяем duration
	if config.Wipe.MaxDuration != "" {
		d, err := time.ParseDuration(config.Wipe.MaxDuration)
		if err != nil {
			return fmt.Errorf("invalid max duration format: %s", config.Wipe.MaxDuration)
		}
		if d < 0 {
			return fmt.Errorf("max duration cannot be negative: %s", config.Wipe.MaxDuration)
		}
	}

	// Валидация путей
	for _, path := range config.Security.ProtectedPaths {
		if path == "" {
			return fmt.Errorf("empty protected path")
		}

		absPath := filepath.Clean(path)
		if absPath == "." || absPath == "/" {
			return fmt.Errorf("invalid protected path: %s", path)
		}
	}

	if config.Certificate.Algorithm == "hmac-sha256" && config.Certificate.KeyFile == "" && os.Getenv(HMACKeyEnv) == "" {
		return fmt.Errorf("hmac-sha256 requires certificate.key_file or %s", HMACKeyEnv)
	}

	return nil
}

// HMACKeyEnv переменная окружения с HMAC ключом сертификатов
const HMACKeyEnv = "WIPEENGINE_HMAC_KEY"

// Save сохраняет конфигурацию в файл
func Save(config *Config, path string) error {
	// Валидация перед сохранением
	if err := Validate(config); err != nil {
		return fmt.Errorf("cannot save invalid config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetMaxDuration возвращает максимальную длительность задания
func (config *Config) GetMaxDuration() time.Duration {
	if config.Wipe.MaxDuration == "" {
		return 0 // Без лимита
	}

	duration, err := time.ParseDuration(config.Wipe.MaxDuration)
	if err != nil {
		return 0
	}

	return duration
}

// VerifyOverride возвращает принудительный режим проверки или nil
func (config *Config) VerifyOverride() *bool {
	switch config.Wipe.Verify {
	case "on":
		v := true
		return &v
	case "off":
		v := false
		return &v
	default:
		return nil
	}
}
