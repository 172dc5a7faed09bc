package appserver

import "time"

// Config настройки движка
type Config struct {
	// Домен, под которым публикуются сервисы: <service>.<home_domain>
	HomeDomain string `yaml:"home_domain" env:"HOME_DOMAIN"`
	// Сервис для запросов без явного выбора
	DefaultService string `yaml:"default_service" env:"DEFAULT_SERVICE"`
	// Паника при использовании освобожденных хендлов (отладка)
	StrictHandles bool `yaml:"strict_handles" env:"STRICT_HANDLES"`
	// Максимум форков на транзакцию, 0 без ограничения
	MaxForks int `yaml:"max_forks" env:"MAX_FORKS"`
	// Максимум одновременных таймеров на транзакцию, 0 без ограничения
	MaxTimers int `yaml:"max_timers" env:"MAX_TIMERS"`
	// Время жизни регистрации диалога в хранилище
	DialogTTL time.Duration `yaml:"dialog_ttl" env:"DIALOG_TTL"`
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{
		MaxForks:  32,
		MaxTimers: 16,
		DialogTTL: 12 * time.Hour,
	}
}
