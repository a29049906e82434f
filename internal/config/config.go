package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/riskpy/risk-sms/internal/model"
)

// DefaultPath is used when no config file argument is given.
const DefaultPath = "config/risk-sms.yml"

// Config is the whole YAML document: one datasource shared by every service,
// plus one sms entry per carrier service.
type Config struct {
	Datasource DatasourceConfig `yaml:"datasource"`
	SMS        ServiceList      `yaml:"sms"`
}

// Env holds the operational knobs taken from the environment rather than the
// YAML file.
type Env struct {
	LogLevel    string `envconfig:"LOG_LEVEL"    default:"info"`
	DatabaseURL string `envconfig:"DATABASE_URL"`
}

// DatasourceConfig configures the shared connection pool. Timeouts are in
// milliseconds, as in the file format.
type DatasourceConfig struct {
	ServerName        string `yaml:"serverName"`
	Port              int    `yaml:"port"`
	ServiceName       string `yaml:"serviceName"`
	User              string `yaml:"user"`
	Password          string `yaml:"password"`
	MaximumPoolSize   int    `yaml:"maximumPoolSize"`
	MinimumIdle       int    `yaml:"minimumIdle"`
	IdleTimeout       int64  `yaml:"idleTimeout"`
	ConnectionTimeout int64  `yaml:"connectionTimeout"`
}

// DSN derives the connection string from the datasource fields, including
// the pool sizing so pgxpool picks it up without extra wiring.
func (d DatasourceConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d",
		d.User, d.Password, d.ServerName, d.Port, d.ServiceName, d.MaximumPoolSize, d.MinimumIdle)
}

func (d DatasourceConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(d.IdleTimeout) * time.Millisecond
}

func (d DatasourceConfig) ConnectionTimeoutDuration() time.Duration {
	return time.Duration(d.ConnectionTimeout) * time.Millisecond
}

// ServiceConfig is one carrier service: business filters, batch cadence and
// the SMPP endpoint.
type ServiceConfig struct {
	Nombre                string     `yaml:"nombre"`
	Telefonia             *string    `yaml:"telefonia"`
	Clasificacion         *string    `yaml:"clasificacion"`
	CantidadMaximaPorLote int        `yaml:"cantidadMaximaPorLote"`
	ModoEnvioLote         string     `yaml:"modoEnvioLote"`
	IntervaloEntreLotesMs int64      `yaml:"intervaloEntreLotesMs"`
	MaximoIntentos        int        `yaml:"maximoIntentos"`
	SMPP                  SmppConfig `yaml:"smpp"`
}

// Mode returns the configured dispatch strategy; unknown values are kept
// as-is so the sender can log its fallback warning.
func (s ServiceConfig) Mode() model.SendMode {
	if s.ModoEnvioLote == "" {
		return model.ModeSequentialSpaced
	}
	return model.SendMode(s.ModoEnvioLote)
}

func (s ServiceConfig) Interval() time.Duration {
	return time.Duration(s.IntervaloEntreLotesMs) * time.Millisecond
}

// SmppConfig is the SMPP endpoint of one service. The sourceAdress spelling
// is preserved for compatibility with existing config files.
type SmppConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	SystemID      string `yaml:"systemId"`
	Password      string `yaml:"password"`
	SourceAddress string `yaml:"sourceAdress"`
	SendDelayMs   int64  `yaml:"sendDelayMs"`
	WindowSize    int    `yaml:"windowSize"`
}

func (c SmppConfig) SendDelay() time.Duration {
	return time.Duration(c.SendDelayMs) * time.Millisecond
}

// ServiceList decodes the sms key, which may be a single mapping or a list.
type ServiceList []ServiceConfig

func (l *ServiceList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var list []ServiceConfig
		if err := value.Decode(&list); err != nil {
			return err
		}
		*l = list
		return nil
	case yaml.MappingNode:
		var single ServiceConfig
		if err := value.Decode(&single); err != nil {
			return err
		}
		*l = ServiceList{single}
		return nil
	default:
		return fmt.Errorf("sms: expected mapping or list, got yaml kind %d", value.Kind)
	}
}

// Load reads the YAML file, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// LoadEnv reads the environment overlay, honoring a .env file when present.
func LoadEnv() (Env, error) {
	if err := godotenv.Load(); err != nil {
		log.Printf("no .env file found, skipping: %v", err)
	}
	var env Env
	if err := envconfig.Process("", &env); err != nil {
		return Env{}, err
	}
	return env, nil
}

func (c *Config) applyDefaults() {
	ds := &c.Datasource
	if ds.MaximumPoolSize <= 0 {
		ds.MaximumPoolSize = 50
	}
	if ds.MinimumIdle <= 0 {
		ds.MinimumIdle = 5
	}
	if ds.IdleTimeout <= 0 {
		ds.IdleTimeout = 30_000
	}
	if ds.ConnectionTimeout <= 0 {
		ds.ConnectionTimeout = 10_000
	}
	for i := range c.SMS {
		s := &c.SMS[i]
		if s.CantidadMaximaPorLote <= 0 {
			s.CantidadMaximaPorLote = 100
		}
		if s.ModoEnvioLote == "" {
			s.ModoEnvioLote = string(model.ModeSequentialSpaced)
		}
		if s.IntervaloEntreLotesMs <= 0 {
			s.IntervaloEntreLotesMs = 10_000
		}
		if s.MaximoIntentos <= 0 {
			s.MaximoIntentos = 5
		}
		if s.SMPP.SendDelayMs <= 0 {
			s.SMPP.SendDelayMs = 500
		}
		if s.SMPP.WindowSize <= 0 {
			s.SMPP.WindowSize = 10
		}
	}
}

func (c *Config) validate() error {
	if c.Datasource.ServerName == "" || c.Datasource.Port == 0 || c.Datasource.ServiceName == "" {
		return fmt.Errorf("datasource: serverName, port and serviceName are required")
	}
	if len(c.SMS) == 0 {
		return fmt.Errorf("sms: at least one service is required")
	}
	seen := map[string]bool{}
	for i, s := range c.SMS {
		if s.Nombre == "" {
			return fmt.Errorf("sms[%d]: nombre is required", i)
		}
		if seen[s.Nombre] {
			return fmt.Errorf("sms[%d]: duplicate service name %q", i, s.Nombre)
		}
		seen[s.Nombre] = true
		if s.SMPP.Host == "" || s.SMPP.Port == 0 || s.SMPP.SystemID == "" {
			return fmt.Errorf("sms[%d] %s: smpp host, port and systemId are required", i, s.Nombre)
		}
	}
	return nil
}
