package app

import "cupcake/internal/config"

func mustDefault() *config.Config { return config.Default() }

func storageCfg(driver, path, busy string) *config.StorageConfig {
	return &config.StorageConfig{Driver: driver, Path: path, BusyTimeout: busy}
}
