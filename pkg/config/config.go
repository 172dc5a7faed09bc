// Package config загружает конфигурацию прикладного сервера: значения
// по умолчанию, затем YAML файл, затем переменные окружения APPSERVER_*.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/arzzra/sip_appserver/pkg/appserver"
	"github.com/arzzra/sip_appserver/pkg/services"
	"github.com/arzzra/sip_appserver/pkg/sipstack"
	"github.com/caarlos0/env/v11"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// EnvPrefix префикс переменных окружения
const EnvPrefix = "APPSERVER_"

// Redis настройки общего реестра диалогов
type Redis struct {
	// Пустой адрес означает реестр в памяти процесса
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB"`
	Prefix   string `yaml:"prefix" env:"REDIS_PREFIX"`
}

// File содержимое файла конфигурации
type File struct {
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT"`

	// Адрес HTTP сервера с /metrics, пустой отключает его
	MetricsAddr string `yaml:"metrics_addr" env:"METRICS_ADDR"`

	// Сколько ждать завершения транзакций при остановке
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	SIP    sipstack.Config  `yaml:"sip"`
	Engine appserver.Config `yaml:"engine" envPrefix:"ENGINE_"`
	Redis  Redis            `yaml:"redis"`

	Services []services.Definition `yaml:"services"`
}

// Default конфигурация по умолчанию
func Default() File {
	return File{
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsAddr:     ":9090",
		ShutdownTimeout: 5 * time.Second,
		SIP:             sipstack.DefaultConfig(),
		Engine:          appserver.DefaultConfig(),
	}
}

// Load читает файл path поверх значений по умолчанию и применяет
// переменные окружения. Пустой path пропускает чтение файла.
func Load(path string) (File, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return File{}, errors.Wrap(err, "read config")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return File{}, errors.Wrapf(err, "parse config %s", path)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return File{}, errors.Wrap(err, "parse env")
	}

	if err := cfg.Validate(); err != nil {
		return File{}, err
	}
	return cfg, nil
}

// Validate проверяет согласованность конфигурации
func (f File) Validate() error {
	if _, err := ParseLevel(f.LogLevel); err != nil {
		return err
	}
	switch strings.ToLower(f.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", f.LogFormat)
	}
	if err := f.SIP.Validate(); err != nil {
		return err
	}
	if f.Engine.MaxForks < 0 || f.Engine.MaxTimers < 0 {
		return fmt.Errorf("engine limits must not be negative")
	}

	names := make(map[string]bool, len(f.Services))
	for _, def := range f.Services {
		if names[def.Name] {
			return fmt.Errorf("service %q defined twice", def.Name)
		}
		names[def.Name] = true
	}
	if f.Engine.DefaultService != "" && len(f.Services) > 0 && !names[f.Engine.DefaultService] {
		return fmt.Errorf("default service %q is not defined", f.Engine.DefaultService)
	}
	return nil
}

// ParseLevel уровень slog по имени
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown log level %q", s)
	}
	return level, nil
}

// NewLogger создает логгер по настройкам файла
func (f File) NewLogger() *slog.Logger {
	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.ToLower(f.LogFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
