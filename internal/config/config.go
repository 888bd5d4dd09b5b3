// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the bootstrap HCL file: the immutable paths and
// endpoints the daemon needs before the settings table is reachable.
// Runtime-tunable values live in internal/settings, not here.
package config

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"

	"zmed.io/zmonitor/internal/errors"
)

// Config is the bootstrap configuration.
type Config struct {
	// StateDir holds the database, supervisor state, and runtime files.
	StateDir string `hcl:"state_dir,optional"`
	// SensorSocket is the unix control socket of the sensor process.
	SensorSocket string `hcl:"sensor_socket,optional"`
	// ThresholdProfile is the YAML file of device-default alarm thresholds.
	ThresholdProfile string `hcl:"threshold_profile,optional"`

	// DeviceID is the monitor identity carried in telemetry; it must match
	// the certificate subject.
	DeviceID string `hcl:"device_id"`
	// DeviceLabel is the asset tag shown beside the identity.
	DeviceLabel string `hcl:"device_label,optional"`

	Telemetry TelemetryConfig `hcl:"telemetry,block"`
	Security  SecurityConfig  `hcl:"security,block"`
	Ops       *OpsConfig      `hcl:"ops,block"`

	// Notifications are the escalation dispatch channels (level >= 2).
	Notifications []NotificationChannel `hcl:"notification,block"`

	LogLevel  string `hcl:"log_level,optional"`
	LogFormat string `hcl:"log_format,optional"` // human | json
}

// TelemetryConfig points at the ingestion endpoint.
type TelemetryConfig struct {
	URL       string `hcl:"url"`
	ProbeHost string `hcl:"probe_host,optional"`
}

// SecurityConfig points at the installed credential triple.
type SecurityConfig struct {
	CertPath   string `hcl:"cert_path"`
	KeyPath    string `hcl:"key_path"`
	AnchorPath string `hcl:"anchor_path"`
	CRLPath    string `hcl:"crl_path,optional"`
	// MasterSecretPath is the file-sealed secret the store column key is
	// derived from.
	MasterSecretPath string `hcl:"master_secret_path,optional"`
}

// OpsConfig controls the loopback ops API.
type OpsConfig struct {
	Listen string `hcl:"listen,optional"`
}

// NotificationChannel configures one escalation dispatch target.
type NotificationChannel struct {
	Name       string `hcl:"name,label"`
	Type       string `hcl:"type"` // webhook | ntfy | email
	Enabled    bool   `hcl:"enabled,optional"`
	OutOfBand  bool   `hcl:"out_of_band,optional"`
	WebhookURL string `hcl:"webhook_url,optional"`
	Server     string `hcl:"server,optional"`
	Topic      string `hcl:"topic,optional"`

	SMTPHost     string   `hcl:"smtp_host,optional"`
	SMTPPort     int      `hcl:"smtp_port,optional"`
	SMTPUser     string   `hcl:"smtp_user,optional"`
	SMTPPassword string   `hcl:"smtp_password,optional"`
	From         string   `hcl:"from,optional"`
	To           []string `hcl:"to,optional"`
}

// DefaultStateDir is used when state_dir is not set.
const DefaultStateDir = "/var/lib/zmonitor"

// Load reads and validates the bootstrap file.
func Load(path string) (*Config, error) {
	var cfg Config
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return nil, errors.Wrapf(err, errors.KindValidation, "parsing %s", path)
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() error {
	if c.DeviceID == "" {
		return errors.New(errors.KindValidation, "device_id is required")
	}
	if c.Telemetry.URL == "" {
		return errors.New(errors.KindValidation, "telemetry url is required")
	}
	if c.StateDir == "" {
		c.StateDir = DefaultStateDir
	}
	if c.SensorSocket == "" {
		c.SensorSocket = filepath.Join(c.StateDir, "sensor.sock")
	}
	if c.ThresholdProfile == "" {
		c.ThresholdProfile = filepath.Join(c.StateDir, "thresholds.yaml")
	}
	if c.Ops == nil {
		c.Ops = &OpsConfig{}
	}
	if c.Ops.Listen == "" {
		c.Ops.Listen = "127.0.0.1:9180"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LogFormat == "" {
		c.LogFormat = "human"
	}
	return nil
}

// DatabasePath returns the store location under the state dir.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.StateDir, "zmonitor.db")
}

// MasterSecret reads the file-sealed secret; nil (with no error) when
// sealing is not configured.
func (c *Config) MasterSecret() ([]byte, error) {
	if c.Security.MasterSecretPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(c.Security.MasterSecretPath)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInfrastructure, "reading master secret")
	}
	if len(data) == 0 {
		return nil, errors.New(errors.KindInfrastructure, "master secret file is empty")
	}
	return data, nil
}
