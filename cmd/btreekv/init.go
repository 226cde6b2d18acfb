package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"btreekv/pkg/config"
)

const (
	envConfig    = "BTREEKV_CONFIG"
	envNodeAddr  = "BTREEKV_NODE_ADDR"
	envZKServers = "ZK_SERVERS"

	defaultConfigPath = "config.yaml"
)

// initConfig загружает конфиг из файла YAML. Если файл не найден, возвращается config.Default().
// Адрес ноды и серверы ZooKeeper можно переопределить через окружение.
func initConfig() (config.Config, error) {
	path := os.Getenv(envConfig)
	if path == "" {
		path = defaultConfigPath
	}

	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, err
	}
	if !found {
		slog.Info("config file not found, using default config", "path", path)
	}

	if addr := os.Getenv(envNodeAddr); addr != "" {
		cfg.Cluster.NodeAddr = addr
	}
	if servers := os.Getenv(envZKServers); servers != "" {
		cfg.Cluster.ZKServers = strings.Split(servers, ",")
	}
	if cfg.Cluster.NodeAddr != "" && len(cfg.Cluster.ZKServers) > 0 {
		cfg.Cluster.Enabled = true
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// initLogger настраивает глобальный slog.Logger (JSON или текстовый).
func initLogger(cfg *config.Config) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Logger.Level)); err != nil {
		return fmt.Errorf("logger level: %w", err)
	}

	opts := &slog.HandlerOptions{AddSource: true, Level: level}
	var handler slog.Handler
	if cfg.Logger.JSON {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	slog.Info("logger initialized", "level", cfg.Logger.Level, "json", cfg.Logger.JSON)
	return nil
}
