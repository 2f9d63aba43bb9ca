// Package config загружает YAML конфигурацию агента.
package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sipua/pkg/auth"
	"github.com/arzzra/sipua/pkg/sdpneg"
)

const (
	DefaultSIPPort   = 5060
	DefaultAudioPort = 7078
)

// Transport параметры SIP транспорта.
type Transport struct {
	Network    string `yaml:"network"`
	ListenAddr string `yaml:"listen_addr"`
	// ReuseAddr выставляет SO_REUSEADDR/SO_REUSEPORT на UDP сокете.
	ReuseAddr bool `yaml:"reuse_addr"`
	// Host адрес, публикуемый в Via и Contact.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Identity локальный пользователь.
type Identity struct {
	DisplayName string `yaml:"display_name"`
	AOR         string `yaml:"aor"`
	Contact     string `yaml:"contact"`
}

// Registrar параметры регистрации.
type Registrar struct {
	URI     string `yaml:"uri"`
	Expires int    `yaml:"expires"`
	Route   string `yaml:"route"`
}

// Media параметры SDP.
type Media struct {
	LocalIP    string         `yaml:"local_ip"`
	FirewallIP string         `yaml:"firewall_ip"`
	AudioPort  int            `yaml:"audio_port"`
	Codecs     []sdpneg.Codec `yaml:"codecs"`
}

// Events режим доставки событий: queue или callback.
type Events struct {
	Mode      string `yaml:"mode"`
	QueueSize int    `yaml:"queue_size"`
}

// Engine параметры рабочего цикла.
type Engine struct {
	MaxLoopTimeout  time.Duration `yaml:"max_loop_timeout"`
	TxMaxAge        time.Duration `yaml:"tx_max_age"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	SupportedEvent  string        `yaml:"supported_event"`
}

// Resolver параметры DNS.
type Resolver struct {
	NameServer string        `yaml:"name_server"`
	Timeout    time.Duration `yaml:"timeout"`
}

// Metrics параметры Prometheus.
type Metrics struct {
	Namespace string `yaml:"namespace"`
	Listen    string `yaml:"listen"`
}

// Config конфигурация агента.
type Config struct {
	UserAgent string      `yaml:"user_agent"`
	LogLevel  string      `yaml:"log_level"`
	Transport Transport   `yaml:"transport"`
	Identity  Identity    `yaml:"identity"`
	Registrar Registrar   `yaml:"registrar"`
	Media     Media       `yaml:"media"`
	Events    Events      `yaml:"events"`
	Engine    Engine      `yaml:"engine"`
	Auth      []auth.Info `yaml:"auth"`
	Resolver  Resolver    `yaml:"resolver"`
	Metrics   Metrics     `yaml:"metrics"`
}

// Default возвращает конфигурацию со всеми значениями по умолчанию.
func Default() *Config {
	return &Config{
		UserAgent: "sipua/1.0",
		LogLevel:  "info",
		Transport: Transport{
			Network:    "udp",
			ListenAddr: "0.0.0.0:5060",
			ReuseAddr:  true,
			Host:       "127.0.0.1",
			Port:       DefaultSIPPort,
		},
		Registrar: Registrar{Expires: 3600},
		Media: Media{
			LocalIP:   "127.0.0.1",
			AudioPort: DefaultAudioPort,
			Codecs:    sdpneg.DefaultCodecs(),
		},
		Events: Events{Mode: "queue", QueueSize: 256},
		Engine: Engine{
			MaxLoopTimeout:  15 * time.Second,
			TxMaxAge:        180 * time.Second,
			RefreshInterval: time.Second,
			SupportedEvent:  "presence",
		},
		Resolver: Resolver{Timeout: 5 * time.Second},
		Metrics:  Metrics{Namespace: "sipua"},
	}
}

// Parse накладывает YAML поверх значений по умолчанию и проверяет результат.
func Parse(data []byte) (*Config, error) {
	c := Default()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, c); err != nil {
			return nil, errors.Wrap(err, "could not parse config")
		}
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Load читает файл конфигурации.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read config %s", path)
	}
	return Parse(data)
}

// Validate проверяет значения.
func (c *Config) Validate() error {
	switch c.Transport.Network {
	case "udp", "udp4", "udp6":
	default:
		return errors.Errorf("transport.network %q is not supported, only udp", c.Transport.Network)
	}
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return errors.Errorf("transport.port %d out of range", c.Transport.Port)
	}
	if c.Identity.AOR == "" {
		return errors.New("identity.aor is required")
	}
	if len(c.Media.Codecs) == 0 {
		return errors.New("media.codecs must not be empty")
	}
	if c.Media.AudioPort <= 0 || c.Media.AudioPort > 65533 {
		return errors.Errorf("media.audio_port %d out of range", c.Media.AudioPort)
	}
	switch c.Events.Mode {
	case "queue", "callback":
	default:
		return errors.Errorf("events.mode %q must be queue or callback", c.Events.Mode)
	}
	if c.Events.QueueSize <= 0 {
		return errors.Errorf("events.queue_size %d must be positive", c.Events.QueueSize)
	}
	if c.Engine.MaxLoopTimeout <= 0 || c.Engine.MaxLoopTimeout > 15*time.Second {
		return errors.Errorf("engine.max_loop_timeout %s must be in (0, 15s]", c.Engine.MaxLoopTimeout)
	}
	if c.Engine.TxMaxAge <= 0 {
		return errors.New("engine.tx_max_age must be positive")
	}
	for i, a := range c.Auth {
		if a.Username == "" || (a.Password == "" && a.HA1 == "") {
			return errors.Errorf("auth[%d]: username and password or ha1 are required", i)
		}
	}
	return nil
}
