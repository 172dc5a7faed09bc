package sipstack

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"
)

// TransportType тип транспортного протокола
type TransportType string

const (
	TransportUDP TransportType = "UDP"
	TransportTCP TransportType = "TCP"
	TransportTLS TransportType = "TLS"
)

// ListenerConfig один слушающий сокет
type ListenerConfig struct {
	Type TransportType `yaml:"type"`
	Host string        `yaml:"host"`
	Port int           `yaml:"port"`
}

// Validate проверяет корректность конфигурации слушателя
func (lc ListenerConfig) Validate() error {
	switch TransportType(strings.ToUpper(string(lc.Type))) {
	case TransportUDP, TransportTCP:
	case TransportTLS:
		return fmt.Errorf("транспорт %s не поддерживается прикладным сервером", lc.Type)
	default:
		return fmt.Errorf("неизвестный тип транспорта: %s", lc.Type)
	}
	if lc.Port < 0 || lc.Port > 65535 {
		return fmt.Errorf("некорректный порт: %d", lc.Port)
	}
	return nil
}

// Network сетевой тип для ListenAndServe
func (lc ListenerConfig) Network() string {
	if TransportType(strings.ToUpper(string(lc.Type))) == TransportTCP {
		return "tcp"
	}
	return "udp"
}

// Addr адрес host:port
func (lc ListenerConfig) Addr() string {
	port := lc.Port
	if port == 0 {
		port = 5060
	}
	return net.JoinHostPort(lc.Host, strconv.Itoa(port))
}

// Config настройки SIP стека
type Config struct {
	// Hostname подставляется в Via исходящих запросов
	Hostname  string `yaml:"hostname" env:"SIP_HOSTNAME"`
	UserAgent string `yaml:"user_agent" env:"SIP_USER_AGENT"`

	Listeners []ListenerConfig `yaml:"listeners"`

	// Максимальное время жизни исходящей ветки, 0 без ограничения
	ForkTimeout time.Duration `yaml:"fork_timeout" env:"SIP_FORK_TIMEOUT"`
}

// DefaultConfig конфигурация по умолчанию: UDP на 0.0.0.0:5060
func DefaultConfig() Config {
	return Config{
		Hostname:  "localhost",
		UserAgent: "sip-appserver",
		Listeners: []ListenerConfig{
			{Type: TransportUDP, Host: "0.0.0.0", Port: 5060},
		},
		ForkTimeout: 3 * time.Minute,
	}
}

// Validate проверяет конфигурацию стека
func (c Config) Validate() error {
	if len(c.Listeners) == 0 {
		return fmt.Errorf("не задано ни одного слушателя")
	}
	for i, l := range c.Listeners {
		if err := l.Validate(); err != nil {
			return fmt.Errorf("listener %d: %w", i, err)
		}
	}
	return nil
}
