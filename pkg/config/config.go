// Copyright 2024 The plantgate Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the gateway configuration from a YAML or JSON file and
// applies the environment overrides used by container deployments.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // alarm time zones must resolve on minimal images

	"gopkg.in/yaml.v2"

	"github.com/turtacn/plantgate/pkg/alarm"
	"github.com/turtacn/plantgate/pkg/auth"
	"github.com/turtacn/plantgate/pkg/authz"
	"github.com/turtacn/plantgate/pkg/correlator"
	"github.com/turtacn/plantgate/pkg/store"
	"github.com/turtacn/plantgate/pkg/upstream"
)

// DefaultJWTSecret is the development secret. A warning is logged while it
// is in use.
const DefaultJWTSecret = "default_secret_key"

// ServerConfig configures the HTTP listeners.
type ServerConfig struct {
	Listen          string        `yaml:"listen" json:"listen"`
	MetricsListen   string        `yaml:"metrics_listen" json:"metrics_listen"`
	WebSocketPath   string        `yaml:"websocket_path" json:"websocket_path"`
	AllowedOrigins  []string      `yaml:"allowed_origins" json:"allowed_origins"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// AuthConfig configures token issuance.
type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret" json:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl" json:"token_ttl"`
}

// MQTTConfig configures the upstream bus sessions.
type MQTTConfig struct {
	Primary           upstream.Endpoint `yaml:"primary" json:"primary"`
	Backup            upstream.Endpoint `yaml:"backup" json:"backup"`
	ClientIDPrefix    string            `yaml:"client_id_prefix" json:"client_id_prefix"`
	ConnectTimeout    time.Duration     `yaml:"connect_timeout" json:"connect_timeout"`
	KeepAlive         time.Duration     `yaml:"keepalive" json:"keepalive"`
	OperationTimeout  time.Duration     `yaml:"operation_timeout" json:"operation_timeout"`
	ReconnectInterval time.Duration     `yaml:"reconnect_interval" json:"reconnect_interval"`
	QoS               byte              `yaml:"qos" json:"qos"`
	MailboxSize       int               `yaml:"mailbox_size" json:"mailbox_size"`
}

// Dialer returns the paho dialer for these settings.
func (m MQTTConfig) Dialer() upstream.PahoDialer {
	return upstream.PahoDialer{
		ConnectTimeout:   m.ConnectTimeout,
		KeepAlive:        m.KeepAlive,
		OperationTimeout: m.OperationTimeout,
		QoS:              m.QoS,
	}
}

// CacheConfig configures the device authorization cache.
type CacheConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval" json:"refresh_interval"`
}

// CorrelatorConfig configures history query tickets.
type CorrelatorConfig struct {
	TicketTTL     time.Duration `yaml:"ticket_ttl" json:"ticket_ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// AlarmConfig configures alarm rendering and the shared feed.
type AlarmConfig struct {
	TimeZone string `yaml:"time_zone" json:"time_zone"`

	// RetryInterval is how often a failed feed switch is retried.
	RetryInterval time.Duration `yaml:"retry_interval" json:"retry_interval"`
}

// Config holds the complete configuration.
type Config struct {
	Server     ServerConfig         `yaml:"server" json:"server"`
	Auth       AuthConfig           `yaml:"auth" json:"auth"`
	Database   store.PostgresConfig `yaml:"database" json:"database"`
	MQTT       MQTTConfig           `yaml:"mqtt" json:"mqtt"`
	Topics     upstream.Topics      `yaml:"topics" json:"topics"`
	Cache      CacheConfig          `yaml:"cache" json:"cache"`
	Correlator CorrelatorConfig     `yaml:"correlator" json:"correlator"`
	Alarm      AlarmConfig          `yaml:"alarm" json:"alarm"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          ":3003",
			MetricsListen:   ":8082",
			WebSocketPath:   "/ws",
			ShutdownTimeout: 10 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: DefaultJWTSecret,
			TokenTTL:  auth.DefaultTokenTTL,
		},
		Database: store.PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "postgres",
			Database:        "scada_web",
			SSLMode:         "disable",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         5 * time.Second,
		},
		MQTT: MQTTConfig{
			Primary:           upstream.Endpoint{Host: "localhost", Port: 1883},
			ClientIDPrefix:    "plantgate",
			ConnectTimeout:    5 * time.Second,
			KeepAlive:         30 * time.Second,
			OperationTimeout:  5 * time.Second,
			ReconnectInterval: 3 * time.Second,
			MailboxSize:       1024,
		},
		Topics: upstream.DefaultTopics(),
		Cache: CacheConfig{
			RefreshInterval: authz.DefaultRefreshInterval,
		},
		Correlator: CorrelatorConfig{
			TicketTTL:     correlator.DefaultTTL,
			SweepInterval: correlator.DefaultSweepInterval,
		},
		Alarm: AlarmConfig{
			TimeZone:      "Asia/Shanghai",
			RetryInterval: alarm.DefaultRetryInterval,
		},
	}
}

// LoadConfig loads configuration from a file on top of the defaults and then
// applies environment overrides.
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		log.Println("[INFO] No config file specified, using default configuration")
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}

		ext := strings.ToLower(filepath.Ext(configPath))
		switch ext {
		case ".yaml", ".yml":
			err = yaml.Unmarshal(data, config)
		case ".json":
			err = json.Unmarshal(data, config)
		default:
			return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
		}
		log.Printf("[INFO] Configuration loaded from %s", configPath)
	}

	if err := applyEnv(config, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}
	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// Marshal renders the configuration as YAML.
func Marshal(config *Config) ([]byte, error) {
	data, err := yaml.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// applyEnv overrides file settings with the deployment variables.
func applyEnv(config *Config, lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(name); ok && v != "" {
			*dst = v
		}
	}
	num := func(name string, dst *int) error {
		v, ok := lookup(name)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %q is not a number", name, v)
		}
		*dst = n
		return nil
	}

	if v, ok := lookup("PORT"); ok && v != "" {
		if _, err := strconv.Atoi(v); err != nil {
			return fmt.Errorf("PORT: %q is not a number", v)
		}
		config.Server.Listen = ":" + v
	}
	str("JWT_SECRET", &config.Auth.JWTSecret)

	str("DB_HOST", &config.Database.Host)
	str("DB_USER", &config.Database.User)
	str("DB_PASSWORD", &config.Database.Password)
	str("DB_NAME", &config.Database.Database)

	str("MQTT_HOST", &config.MQTT.Primary.Host)
	str("MQTT_USERNAME", &config.MQTT.Primary.Username)
	str("MQTT_PASSWORD", &config.MQTT.Primary.Password)
	str("MQTT_BACKUP_HOST", &config.MQTT.Backup.Host)
	str("MQTT_BACKUP_USERNAME", &config.MQTT.Backup.Username)
	str("MQTT_BACKUP_PASSWORD", &config.MQTT.Backup.Password)

	for name, dst := range map[string]*int{
		"DB_PORT":          &config.Database.Port,
		"MQTT_PORT":        &config.MQTT.Primary.Port,
		"MQTT_BACKUP_PORT": &config.MQTT.Backup.Port,
	} {
		if err := num(name, dst); err != nil {
			return err
		}
	}
	return nil
}

// validateConfig validates the configuration
func validateConfig(config *Config) error {
	if config.Server.Listen == "" {
		return fmt.Errorf("server.listen cannot be empty")
	}
	if !strings.HasPrefix(config.Server.WebSocketPath, "/") {
		return fmt.Errorf("server.websocket_path must start with /")
	}
	if config.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be positive")
	}

	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret cannot be empty")
	}
	if config.Auth.JWTSecret == DefaultJWTSecret {
		log.Println("[WARN] auth.jwt_secret is the development default, set JWT_SECRET in production")
	}
	if config.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}

	if config.Database.Host == "" {
		return fmt.Errorf("database.host cannot be empty")
	}
	if err := validPort("database.port", config.Database.Port); err != nil {
		return err
	}
	if config.Database.Database == "" {
		return fmt.Errorf("database.database cannot be empty")
	}

	if !config.MQTT.Primary.Enabled() {
		return fmt.Errorf("mqtt.primary.host cannot be empty")
	}
	if err := validPort("mqtt.primary.port", config.MQTT.Primary.Port); err != nil {
		return err
	}
	if config.MQTT.Backup.Enabled() {
		if err := validPort("mqtt.backup.port", config.MQTT.Backup.Port); err != nil {
			return err
		}
	}
	if config.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if config.MQTT.ReconnectInterval <= 0 {
		return fmt.Errorf("mqtt.reconnect_interval must be positive")
	}

	if err := validateTopics(config.Topics); err != nil {
		return err
	}

	if config.Cache.RefreshInterval <= 0 {
		return fmt.Errorf("cache.refresh_interval must be positive")
	}
	if config.Correlator.TicketTTL <= 0 || config.Correlator.SweepInterval <= 0 {
		return fmt.Errorf("correlator.ticket_ttl and correlator.sweep_interval must be positive")
	}

	if _, err := config.Location(); err != nil {
		return err
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s %d out of range", name, port)
	}
	return nil
}

func validateTopics(t upstream.Topics) error {
	named := []struct{ name, value string }{
		{"history_data_request", t.HistoryDataRequest},
		{"history_data_response", t.HistoryDataResponse},
		{"history_alarm_request", t.HistoryAlarmRequest},
		{"history_alarm_response", t.HistoryAlarmResponse},
		{"realtime_alarm_control", t.RealtimeAlarmControl},
		{"realtime_alarm_response", t.RealtimeAlarmResponse},
	}
	seen := make(map[string]string, len(named))
	for _, n := range named {
		if n.value == "" {
			return fmt.Errorf("topics.%s cannot be empty", n.name)
		}
		if other, ok := seen[n.value]; ok {
			return fmt.Errorf("topics.%s and topics.%s share topic %s", other, n.name, n.value)
		}
		seen[n.value] = n.name
	}
	return nil
}

// Location returns the time zone alarms are rendered in.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Alarm.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("alarm.time_zone %q: %w", c.Alarm.TimeZone, err)
	}
	return loc, nil
}

// Upstream returns the session manager settings.
func (c *Config) Upstream() upstream.ManagerConfig {
	return upstream.ManagerConfig{
		Primary:        c.MQTT.Primary,
		Backup:         c.MQTT.Backup,
		ClientIDPrefix: c.MQTT.ClientIDPrefix,
		Topics:         c.Topics,
		MailboxSize:    c.MQTT.MailboxSize,
	}
}
