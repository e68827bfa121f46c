package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/studylane/studylane/go/internal/duel/session"
	"gopkg.in/yaml.v3"
)

// Config holds the service settings loaded from YAML. Every field is
// optional; zero values fall back to the built-in defaults, and DB_*
// environment variables override the database section.
type Config struct {
	Database struct {
		Host     string `yaml:"host"`
		Port     int    `yaml:"port"`
		User     string `yaml:"user"`
		Password string `yaml:"password"`
		Name     string `yaml:"name"`
		SSLMode  string `yaml:"sslmode"`
	} `yaml:"database"`
	Duel struct {
		TickInterval          time.Duration `yaml:"tick_interval"`
		HeartbeatInterval     time.Duration `yaml:"heartbeat_interval"`
		InitialHeartbeatDelay time.Duration `yaml:"initial_heartbeat_delay"`
		WatchdogInterval      time.Duration `yaml:"watchdog_interval"`
		SoftThreshold         time.Duration `yaml:"soft_threshold"`
		HardThreshold         time.Duration `yaml:"hard_threshold"`
		BreakRequestExpiry    time.Duration `yaml:"break_request_expiry"`
	} `yaml:"duel"`
	Reward struct {
		PointsPerWin int64 `yaml:"points_per_win"`
	} `yaml:"reward"`
	Reconciler struct {
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"reconciler"`
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}


func loadConfig(path string) (*Config, error) {
	var config Config
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &config, nil
}

// sessionConfig merges file overrides onto the built-in defaults.
func (c *Config) sessionConfig() session.Config {
	cfg := session.DefaultConfig()
	if c.Duel.TickInterval > 0 {
		cfg.TickInterval = c.Duel.TickInterval
	}
	if c.Duel.HeartbeatInterval > 0 {
		cfg.HeartbeatInterval = c.Duel.HeartbeatInterval
	}
	if c.Duel.InitialHeartbeatDelay > 0 {
		cfg.InitialHeartbeatDelay = c.Duel.InitialHeartbeatDelay
	}
	if c.Duel.WatchdogInterval > 0 {
		cfg.WatchdogInterval = c.Duel.WatchdogInterval
	}
	if c.Duel.SoftThreshold > 0 {
		cfg.SoftThreshold = c.Duel.SoftThreshold
	}
	if c.Duel.HardThreshold > 0 {
		cfg.HardThreshold = c.Duel.HardThreshold
	}
	if c.Duel.BreakRequestExpiry > 0 {
		cfg.BreakRequestExpiry = c.Duel.BreakRequestExpiry
	}
	return cfg
}

func (c *Config) pointsPerWin() int64 {
	if c.Reward.PointsPerWin > 0 {
		return c.Reward.PointsPerWin
	}
	return 50
}

func (c *Config) sweepInterval() time.Duration {
	if c.Reconciler.SweepInterval > 0 {
		return c.Reconciler.SweepInterval
	}
	return time.Minute
}

// dbSettings is the resolved database connection configuration.
type dbSettings struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
}

// databaseSettings resolves each connection field as environment variable,
// then file value, then local development default.
func (c *Config) databaseSettings() dbSettings {
	s := dbSettings{
		Host:     c.Database.Host,
		Port:     c.Database.Port,
		User:     c.Database.User,
		Password: c.Database.Password,
		Name:     c.Database.Name,
		SSLMode:  c.Database.SSLMode,
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		s.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			s.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		s.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		s.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		s.Name = v
	}
	if v := os.Getenv("DB_SSLMODE"); v != "" {
		s.SSLMode = v
	}

	if s.Host == "" {
		s.Host = "localhost"
	}
	if s.Port == 0 {
		s.Port = 5432
	}
	if s.User == "" {
		s.User = "postgres"
	}
	if s.Password == "" {
		s.Password = "postgres"
	}
	if s.Name == "" {
		s.Name = "studylane"
	}
	if s.SSLMode == "" {
		s.SSLMode = "disable"
	}
	return s
}

// dsn returns the Postgres connection URL.
func (s dbSettings) dsn() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		s.User, s.Password, s.Host, s.Port, s.Name, s.SSLMode,
	)
}
