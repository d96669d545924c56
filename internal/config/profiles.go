package config

import (
	"fmt"
)

// Profiles список доступных профилей производительности
var Profiles = []string{"safe", "balanced", "aggressive", "fast"}

// ApplyProfile применяет профиль производительности к конфигурации
func ApplyProfile(cfg *Config, profile string) error {
	switch profile {
	case "safe":
		cfg.Wipe.MaxSpeedMBps = 25
		cfg.Wipe.ChunkSize = 1 * 1024 * 1024 // 1MB
		cfg.Wipe.MaxConcurrent = 1
	case "balanced":
		cfg.Wipe.MaxSpeedMBps = 100
		cfg.Wipe.ChunkSize = 4 * 1024 * 1024 // 4MB
		cfg.Wipe.MaxConcurrent = 2
	case "aggressive":
		cfg.Wipe.MaxSpeedMBps = 0             // unlimited
		cfg.Wipe.ChunkSize = 16 * 1024 * 1024 // 16MB
		cfg.Wipe.MaxConcurrent = 4
	case "fast":
		cfg.Wipe.MaxSpeedMBps = 0             // unlimited
		cfg.Wipe.ChunkSize = 64 * 1024 * 1024 // 64MB
		cfg.Wipe.MaxConcurrent = 8
	default:
		return fmt.Errorf("неизвестный профиль: %s", profile)
	}
	return nil
}
