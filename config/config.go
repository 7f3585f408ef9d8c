package config

import (
	"os"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"
)

// Operating roles. A vehicle node keeps an embedded store and serves a
// rolling history window; a remote node is an unconstrained server deployment.
const (
	RoleVehicle = "vehicle"
	RoleRemote  = "remote"
)

type SystemConfig struct {
	Role             string `yaml:"role"`
	Workdir          string `yaml:"workdir"`
	Location         string `yaml:"location"`
	HistoryWindowSec int    `yaml:"history_window_seconds"`
}

type LoggerConfig struct {
	Mode       string `yaml:"mode"`
	FileEnable bool   `yaml:"file_enable"`
	Filename   string `yaml:"filename"`
}

type DatabaseConfig struct {
	Type   string `yaml:"type"`
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	Name   string `yaml:"name"`
	User   string `yaml:"user"`
	Passwd string `yaml:"passwd"`
	Debug  bool   `yaml:"debug"`
}

type UplinkConfig struct {
	Server            string `yaml:"server"`
	BatchSize         int    `yaml:"batch_size"`
	ReconnectDelaySec int    `yaml:"reconnect_delay_seconds"`
	ConnectTimeoutSec int    `yaml:"connect_timeout_seconds"`
	RetentionSec      int    `yaml:"retention_seconds"`
	PruneIntervalSec  int    `yaml:"prune_interval_seconds"`
	StatusIntervalSec int    `yaml:"status_interval_seconds"`
	MaxRecords        int64  `yaml:"max_records"`
}

type TimesyncConfig struct {
	PingIntervalSec int `yaml:"ping_interval_seconds"`
	PingMaxAgeSec   int `yaml:"ping_max_age_seconds"`
	RttWindow       int `yaml:"rtt_window"`
}

type AppConfig struct {
	System   SystemConfig   `yaml:"system"`
	Logger   LoggerConfig   `yaml:"logger"`
	Database DatabaseConfig `yaml:"database"`
	Uplink   UplinkConfig   `yaml:"uplink"`
	Timesync TimesyncConfig `yaml:"timesync"`
}

func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		System: SystemConfig{
			Role:             RoleVehicle,
			Workdir:          "/var/telemetryd",
			Location:         "Local",
			HistoryWindowSec: 3600,
		},
		Logger: LoggerConfig{
			Mode:       "development",
			FileEnable: false,
			Filename:   "/var/telemetryd/telemetryd.log",
		},
		Database: DatabaseConfig{
			Type: "sqlite",
			Name: "telemetry",
		},
		Uplink: UplinkConfig{
			Server:            "127.0.0.1:1983",
			BatchSize:         50,
			ReconnectDelaySec: 5,
			ConnectTimeoutSec: 10,
			RetentionSec:      86400,
			PruneIntervalSec:  300,
			StatusIntervalSec: 60,
			MaxRecords:        1000000,
		},
		Timesync: TimesyncConfig{
			PingIntervalSec: 10,
			PingMaxAgeSec:   5,
			RttWindow:       10,
		},
	}
}

// LoadConfig reads a YAML config file over the defaults. A missing file is
// not an error; the defaults are returned as-is.
func LoadConfig(path string) (*AppConfig, error) {
	cfg := DefaultAppConfig()
	if path == "" {
		path = os.Getenv("TELEMETRYD_CONFIG")
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	return cfg, nil
}

// Env overrides for the handful of values commonly set per deployment.
func (c *AppConfig) applyEnvOverrides() {
	if v := os.Getenv("TELEMETRYD_ROLE"); v != "" {
		c.System.Role = v
	}
	if v := os.Getenv("TELEMETRYD_UPLINK_SERVER"); v != "" {
		c.Uplink.Server = v
	}
	if v := os.Getenv("TELEMETRYD_BATCH_SIZE"); v != "" {
		if n := cast.ToInt(v); n > 0 {
			c.Uplink.BatchSize = n
		}
	}
	if v := os.Getenv("TELEMETRYD_RETENTION_SECONDS"); v != "" {
		if n := cast.ToInt(v); n > 0 {
			c.Uplink.RetentionSec = n
		}
	}
}

func (c *AppConfig) IsVehicle() bool {
	return c.System.Role != RoleRemote
}
