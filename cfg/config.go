package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Source types
const (
	SourceGerrit         = "gerrit"
	SourceGerritRabbitMQ = "gerrit-rabbitmq"
	SourceGerritNATS     = "gerrit-nats"
	SourceGerritKafka    = "gerrit-kafka"
	SourceSingle         = "single"
)

// Publisher types
const (
	PublisherRabbitMQ = "rabbitmq"
	PublisherNATS     = "nats"
	PublisherKafka    = "kafka"
	PublisherLog      = "log"
)

// Defaults shared by sources and publishers
const (
	DefaultGerritPort       = 29418
	DefaultRabbitMQPort     = 5672
	DefaultRabbitMQExchange = "gerrit.publish"
	DefaultRabbitMQUser     = "guest"
	DefaultNATSSubject      = "gerrit.events"
	DefaultKafkaTopic       = "gerrit"
)

// PublisherConfiguration describes one downstream transport
type PublisherConfiguration struct {
	Type     string   `toml:"type" yaml:"type"`
	Name     string   `toml:"name" yaml:"name"`
	Host     string   `toml:"host" yaml:"host"`
	Port     int      `toml:"port" yaml:"port"`
	Exchange string   `toml:"exchange" yaml:"exchange"`
	Username string   `toml:"username" yaml:"username"`
	Password string   `toml:"password" yaml:"password"`
	URL      string   `toml:"url" yaml:"url"`
	Subject  string   `toml:"subject" yaml:"subject"`
	Brokers  []string `toml:"brokers" yaml:"brokers"`
	Topic    string   `toml:"topic" yaml:"topic"`

	FilterTypes    []string `toml:"filter_types" yaml:"filter_types"`       // Glob patterns on event type
	FilterProjects []string `toml:"filter_projects" yaml:"filter_projects"` // Glob patterns on project name
}

// RabbitMQConfiguration for gerrit-rabbitmq sources
type RabbitMQConfiguration struct {
	Host     string `toml:"host" yaml:"host"`
	Port     int    `toml:"port" yaml:"port"`
	Exchange string `toml:"exchange" yaml:"exchange"`
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
}

// NATSConfiguration for gerrit-nats sources
type NATSConfiguration struct {
	URL     string `toml:"url" yaml:"url"`
	Subject string `toml:"subject" yaml:"subject"`
}

// KafkaConfiguration for gerrit-kafka sources
type KafkaConfiguration struct {
	Brokers []string `toml:"brokers" yaml:"brokers"`
	Topic   string   `toml:"topic" yaml:"topic"`
	GroupID string   `toml:"group_id" yaml:"group_id"`
}

// SourceConfiguration describes one upstream
type SourceConfiguration struct {
	Type         string   `toml:"type" yaml:"type"`
	Name         string   `toml:"name" yaml:"name"`
	Host         string   `toml:"host" yaml:"host"`
	Port         int      `toml:"port" yaml:"port"`
	Username     string   `toml:"username" yaml:"username"`
	Keys         []string `toml:"keys" yaml:"keys"`                 // Private key files
	KnownHosts   string   `toml:"known_hosts" yaml:"known_hosts"`   // known_hosts file for host key checks
	Fingerprints []string `toml:"fingerprints" yaml:"fingerprints"` // SHA256 host key fingerprints
	From         string   `toml:"from" yaml:"from"`
	To           string   `toml:"to" yaml:"to"`
	OneShot      bool     `toml:"oneshot" yaml:"oneshot"`
	Filters      []string `toml:"filters" yaml:"filters"`

	RabbitMQ   RabbitMQConfiguration    `toml:"rabbitmq" yaml:"rabbitmq"`
	NATS       NATSConfiguration        `toml:"nats" yaml:"nats"`
	Kafka      KafkaConfiguration       `toml:"kafka" yaml:"kafka"`
	Publishers []PublisherConfiguration `toml:"publishers" yaml:"publishers"`
}

// GlobalConfiguration holds defaults for every source and the engine knobs
type GlobalConfiguration struct {
	To                 string                   `toml:"to" yaml:"to"`
	OneShot            bool                     `toml:"oneshot" yaml:"oneshot"`
	Workers            int                      `toml:"workers" yaml:"workers"`
	TimeoutSeconds     int                      `toml:"timeout_seconds" yaml:"timeout_seconds"`         // Mirror child deadline
	DryRun             bool                     `toml:"dry_run" yaml:"dry_run"`                         // Skip mirror children
	RetryDelaySeconds  int                      `toml:"retry_delay_seconds" yaml:"retry_delay_seconds"` // Delay before re-checking an unconfirmed event
	MaxRetries         int                      `toml:"max_retries" yaml:"max_retries"`                 // Re-checks before a forced publish
	StreamRetrySeconds int                      `toml:"stream_retry_seconds" yaml:"stream_retry_seconds"`
	InstanceID         string                   `toml:"instance_id" yaml:"instance_id"`
	Publishers         []PublisherConfiguration `toml:"publishers" yaml:"publishers"` // Used by sources that declare none
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose" yaml:"verbose"`
	Format  string `toml:"format" yaml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics and the admin endpoints
type PrometheusConfiguration struct {
	Enabled bool   `toml:"enabled" yaml:"enabled"`
	Address string `toml:"address" yaml:"address"`
	Port    int    `toml:"port" yaml:"port"`
	Secret  string `toml:"secret" yaml:"secret"` // Bearer token for /projects, empty disables auth
}

// Configuration is the main configuration structure
type Configuration struct {
	Global     GlobalConfiguration     `toml:"global" yaml:"global"`
	Logging    LoggingConfiguration    `toml:"logging" yaml:"logging"`
	Prometheus PrometheusConfiguration `toml:"prometheus" yaml:"prometheus"`
	Sources    []SourceConfiguration   `toml:"sources" yaml:"sources"`
}

// Command line overrides, bound by the CLI
var (
	ConfigPath      = "gitsync.toml"
	ToOverride      string
	OneShotOverride bool
	WorkersOverride int
	DryRunOverride  bool
)

// Default configuration
var Config = Default()

// Default returns a configuration holding only defaults
func Default() *Configuration {
	return &Configuration{
		Global: GlobalConfiguration{
			Workers:            4,
			TimeoutSeconds:     90 * 60,
			RetryDelaySeconds:  10,
			MaxRetries:         10,
			StreamRetrySeconds: 5,
		},
		Logging: LoggingConfiguration{
			Verbose: false,
			Format:  "console",
		},
		Prometheus: PrometheusConfiguration{
			Enabled: false,
			Address: "0.0.0.0",
			Port:    9090,
		},
	}
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if err := decodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if ToOverride != "" {
		Config.Global.To = ToOverride
	}
	if OneShotOverride {
		Config.Global.OneShot = true
	}
	if WorkersOverride > 0 {
		Config.Global.Workers = WorkersOverride
	}
	if DryRunOverride {
		Config.Global.DryRun = true
	}

	if Config.Global.InstanceID == "" {
		Config.Global.InstanceID = generateInstanceID()
		log.Info().Str("instance_id", Config.Global.InstanceID).Msg("Auto-generated instance ID")
	}

	return nil
}

func decodeFile(path string, into *Configuration) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return yaml.Unmarshal(data, into)
	default:
		_, err := toml.DecodeFile(path, into)
		return err
	}
}

// generateInstanceID derives a stable identifier from the machine ID
func generateInstanceID() string {
	id, err := machineid.ProtectedID("gitsync")
	if err != nil {
		host, herr := os.Hostname()
		if herr != nil {
			return "gitsync"
		}
		return host
	}
	return id[:12]
}

// Validate checks configuration for errors and fills per-source defaults
func Validate() error {
	g := &Config.Global

	if g.Workers < 1 {
		return fmt.Errorf("workers must be >= 1")
	}
	if g.TimeoutSeconds < 1 {
		return fmt.Errorf("timeout must be >= 1 second")
	}
	if g.RetryDelaySeconds < 0 {
		return fmt.Errorf("retry delay must be >= 0")
	}
	if g.MaxRetries < 0 {
		return fmt.Errorf("max retries must be >= 0")
	}
	if g.StreamRetrySeconds < 0 {
		return fmt.Errorf("stream retry delay must be >= 0")
	}

	if Config.Logging.Format != "console" && Config.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s", Config.Logging.Format)
	}

	if Config.Prometheus.Enabled && (Config.Prometheus.Port < 1 || Config.Prometheus.Port > 65535) {
		return fmt.Errorf("invalid prometheus port: %d", Config.Prometheus.Port)
	}

	if len(Config.Sources) == 0 {
		return fmt.Errorf("no sources configured")
	}

	for i := range Config.Sources {
		if err := validateSource(i, &Config.Sources[i]); err != nil {
			return err
		}
	}

	return nil
}

func validateSource(index int, s *SourceConfiguration) error {
	g := &Config.Global

	if s.Type == "" {
		s.Type = SourceSingle
	}
	if s.To == "" {
		s.To = g.To
	}
	s.OneShot = s.OneShot || g.OneShot
	if len(s.Publishers) == 0 {
		s.Publishers = append([]PublisherConfiguration(nil), g.Publishers...)
	}

	switch s.Type {
	case SourceGerrit, SourceGerritRabbitMQ, SourceGerritNATS, SourceGerritKafka:
		if s.Host == "" {
			return fmt.Errorf("source %d (%s): host is required", index, s.Type)
		}
		if s.Port == 0 {
			s.Port = DefaultGerritPort
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("source %d (%s): invalid port %d", index, s.Type, s.Port)
		}
		if s.From == "" {
			s.From = DefaultFrom(s.Username, s.Host, s.Port)
		}
		if s.To == "" {
			return fmt.Errorf("source %d (%s): no destination: set 'to' on the source or in [global]", index, s.Type)
		}
	case SourceSingle:
		if s.From == "" {
			return fmt.Errorf("source %d (single): from is required", index)
		}
		if s.To == "" {
			if g.To == "" {
				return fmt.Errorf("source %d (single): no destination: set 'to' on the source or in [global]", index)
			}
			base := filepath.Base(s.From)
			s.To = filepath.Join(g.To, strings.TrimSuffix(base, filepath.Ext(base))+".git")
		}
	default:
		return fmt.Errorf("source %d: unknown source type '%s'", index, s.Type)
	}

	switch s.Type {
	case SourceGerritRabbitMQ:
		r := &s.RabbitMQ
		if r.Host == "" {
			r.Host = s.Host
		}
		if r.Port == 0 {
			r.Port = DefaultRabbitMQPort
		}
		if r.Exchange == "" {
			r.Exchange = DefaultRabbitMQExchange
		}
		if r.Username == "" {
			r.Username = DefaultRabbitMQUser
		}
		if r.Password == "" {
			r.Password = DefaultRabbitMQUser
		}
	case SourceGerritNATS:
		if s.NATS.URL == "" {
			return fmt.Errorf("source %d (%s): nats.url is required", index, s.Type)
		}
		if s.NATS.Subject == "" {
			s.NATS.Subject = DefaultNATSSubject
		}
	case SourceGerritKafka:
		if len(s.Kafka.Brokers) == 0 {
			return fmt.Errorf("source %d (%s): kafka.brokers is required", index, s.Type)
		}
		if s.Kafka.Topic == "" {
			s.Kafka.Topic = DefaultKafkaTopic
		}
		if s.Kafka.GroupID == "" {
			s.Kafka.GroupID = "gitsync-" + g.InstanceID
		}
	}

	if s.Name == "" {
		s.Name = s.Type + ":" + s.From
	}

	for j := range s.Publishers {
		if err := validatePublisher(&s.Publishers[j]); err != nil {
			return fmt.Errorf("source %d (%s): publisher %d: %w", index, s.Type, j, err)
		}
	}

	return nil
}

func validatePublisher(p *PublisherConfiguration) error {
	switch p.Type {
	case PublisherRabbitMQ:
		if p.Host == "" {
			return fmt.Errorf("rabbitmq publisher requires host")
		}
		if p.Exchange == "" {
			return fmt.Errorf("rabbitmq publisher requires exchange")
		}
		if p.Port == 0 {
			p.Port = DefaultRabbitMQPort
		}
		if p.Username == "" {
			p.Username = DefaultRabbitMQUser
		}
		if p.Password == "" {
			p.Password = DefaultRabbitMQUser
		}
	case PublisherNATS:
		if p.URL == "" {
			return fmt.Errorf("nats publisher requires url")
		}
		if p.Subject == "" {
			return fmt.Errorf("nats publisher requires subject")
		}
	case PublisherKafka:
		if len(p.Brokers) == 0 {
			return fmt.Errorf("kafka publisher requires brokers")
		}
		if p.Topic == "" {
			return fmt.Errorf("kafka publisher requires topic")
		}
	case PublisherLog:
	case "":
		return fmt.Errorf("publisher type is required")
	default:
		return fmt.Errorf("unknown publisher type '%s'", p.Type)
	}

	if p.Name == "" {
		p.Name = p.Type
	}
	return nil
}

// DefaultFrom builds the ssh:// base URL used when a Gerrit source sets no 'from'
func DefaultFrom(username, host string, port int) string {
	var b strings.Builder
	b.WriteString("ssh://")
	if username != "" {
		b.WriteString(username)
		b.WriteString("@")
	}
	fmt.Fprintf(&b, "%s:%d/", host, port)
	return b.String()
}
