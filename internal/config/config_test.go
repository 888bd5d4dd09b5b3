// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "zmonitor.hcl")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimal = `
device_id = "ZM-01"

telemetry {
  url = "https://telemetry.example.org/v1/ingest"
}

security {
  cert_path   = "/etc/zmonitor/device.crt"
  key_path    = "/etc/zmonitor/device.key"
  anchor_path = "/etc/zmonitor/anchor.crt"
}
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimal))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.DeviceID != "ZM-01" {
		t.Errorf("DeviceID = %q", cfg.DeviceID)
	}
	if cfg.StateDir != DefaultStateDir {
		t.Errorf("StateDir default = %q", cfg.StateDir)
	}
	if cfg.SensorSocket != filepath.Join(DefaultStateDir, "sensor.sock") {
		t.Errorf("SensorSocket default = %q", cfg.SensorSocket)
	}
	if cfg.Ops.Listen != "127.0.0.1:9180" {
		t.Errorf("Ops.Listen default = %q", cfg.Ops.Listen)
	}
	if cfg.DatabasePath() != filepath.Join(DefaultStateDir, "zmonitor.db") {
		t.Errorf("DatabasePath = %q", cfg.DatabasePath())
	}
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
device_id    = "ZM-07"
device_label = "bed-12"
state_dir    = "/srv/zm"
log_level    = "debug"
log_format   = "json"

telemetry {
  url        = "https://central.hospital.example/ingest"
  probe_host = "central.hospital.example"
}

security {
  cert_path          = "/pki/dev.crt"
  key_path           = "/pki/dev.key"
  anchor_path        = "/pki/ca.crt"
  crl_path           = "/pki/revoked.crl"
  master_secret_path = "/pki/master.key"
}

ops {
  listen = "127.0.0.1:9999"
}
`))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Telemetry.ProbeHost != "central.hospital.example" {
		t.Errorf("ProbeHost = %q", cfg.Telemetry.ProbeHost)
	}
	if cfg.Security.CRLPath != "/pki/revoked.crl" {
		t.Errorf("CRLPath = %q", cfg.Security.CRLPath)
	}
	if cfg.Ops.Listen != "127.0.0.1:9999" {
		t.Errorf("Ops.Listen = %q", cfg.Ops.Listen)
	}
	if cfg.LogFormat != "json" {
		t.Errorf("LogFormat = %q", cfg.LogFormat)
	}
}

func TestLoadRejectsMissingDeviceID(t *testing.T) {
	_, err := Load(writeConfig(t, `
telemetry {
  url = "https://x.example/ingest"
}
security {
  cert_path   = "a"
  key_path    = "b"
  anchor_path = "c"
}
`))
	if err == nil {
		t.Fatal("missing device_id must fail")
	}
}

func TestMasterSecret(t *testing.T) {
	dir := t.TempDir()
	secretPath := filepath.Join(dir, "master.key")
	if err := os.WriteFile(secretPath, []byte("s3cret"), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{Security: SecurityConfig{MasterSecretPath: secretPath}}
	got, err := cfg.MasterSecret()
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "s3cret" {
		t.Errorf("secret = %q", got)
	}

	cfg = &Config{}
	got, err = cfg.MasterSecret()
	if err != nil || got != nil {
		t.Errorf("unset secret should be nil, nil; got %v, %v", got, err)
	}
}
