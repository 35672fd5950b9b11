package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// writeConfig writes content to a temp YAML file and returns its path.
func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devsim.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
simulation:
  time_unit: 250ms
  seed: 42
devices:
  - id: cam-1
    type: camera
    manufacturer: Simulated
    model: IMX294
    options:
      width: 640
      height: 480
  - id: focus-1
    type: focuser
mqtt:
  enabled: true
  broker:
    host: "broker.local"
    port: 1884
storage:
  backend: file
  path: /tmp/images
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Simulation.TimeUnit != 250*time.Millisecond {
		t.Errorf("Simulation.TimeUnit = %v, want 250ms", cfg.Simulation.TimeUnit)
	}
	if cfg.Simulation.Seed != 42 {
		t.Errorf("Simulation.Seed = %d, want 42", cfg.Simulation.Seed)
	}
	if len(cfg.Devices) != 2 {
		t.Fatalf("len(Devices) = %d, want 2", len(cfg.Devices))
	}
	if cfg.Devices[0].Options["width"] != 640 {
		t.Errorf("Devices[0].Options[width] = %v, want 640", cfg.Devices[0].Options["width"])
	}
	if cfg.MQTT.Broker.Host != "broker.local" {
		t.Errorf("MQTT.Broker.Host = %q, want %q", cfg.MQTT.Broker.Host, "broker.local")
	}
	// Defaults survive a partial file.
	if cfg.Simulation.StopTimeout != 2 {
		t.Errorf("Simulation.StopTimeout = %v, want 2", cfg.Simulation.StopTimeout)
	}
	if cfg.MQTT.QoS != 1 {
		t.Errorf("MQTT.QoS = %d, want 1", cfg.MQTT.QoS)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/devsim.yaml")
	if err == nil {
		t.Error("Load() expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "invalid: [yaml: content")

	_, err := Load(path)
	if err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_ValidationFailure(t *testing.T) {
	path := writeConfig(t, `
devices:
  - id: cam-1
    type: camera
  - id: cam-1
    type: camera
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("Load() expected validation error for duplicate device id, got nil")
	}
	if !strings.Contains(err.Error(), "duplicated") {
		t.Errorf("error = %v, want mention of duplicated id", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	validJWTSecret := "test-secret-key-at-least-32-chars!"

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{
			name:    "defaults are valid",
			mutate:  func(*Config) {},
			wantErr: false,
		},
		{
			name:    "zero time unit",
			mutate:  func(c *Config) { c.Simulation.TimeUnit = 0 },
			wantErr: true,
		},
		{
			name:    "non-positive stop timeout",
			mutate:  func(c *Config) { c.Simulation.StopTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "empty event buffer",
			mutate:  func(c *Config) { c.Simulation.EventBuffer = 0 },
			wantErr: true,
		},
		{
			name:    "device without type",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{ID: "x"}} },
			wantErr: true,
		},
		{
			name:    "device without id",
			mutate:  func(c *Config) { c.Devices = []DeviceConfig{{Type: "camera"}} },
			wantErr: true,
		},
		{
			name:    "invalid QoS",
			mutate:  func(c *Config) { c.MQTT.QoS = 3 },
			wantErr: true,
		},
		{
			name:    "invalid port while API enabled",
			mutate:  func(c *Config) { c.API.Port = 0 },
			wantErr: true,
		},
		{
			name: "invalid port ignored while API disabled",
			mutate: func(c *Config) {
				c.API.Enabled = false
				c.API.Port = 0
			},
			wantErr: false,
		},
		{
			name:    "unknown storage backend",
			mutate:  func(c *Config) { c.Storage.Backend = "tape" },
			wantErr: true,
		},
		{
			name:    "s3 backend without bucket",
			mutate:  func(c *Config) { c.Storage.Backend = "s3" },
			wantErr: true,
		},
		{
			name: "journal enabled without path",
			mutate: func(c *Config) {
				c.Database.Enabled = true
				c.Database.Path = ""
			},
			wantErr: true,
		},
		{
			name: "security without secret",
			mutate: func(c *Config) {
				c.Security.Enabled = true
				c.Security.APIKey = "k"
			},
			wantErr: true,
		},
		{
			name: "security with short secret",
			mutate: func(c *Config) {
				c.Security.Enabled = true
				c.Security.APIKey = "k"
				c.Security.JWT.Secret = "short"
			},
			wantErr: true,
		},
		{
			name: "security fully configured",
			mutate: func(c *Config) {
				c.Security.Enabled = true
				c.Security.APIKey = "k"
				c.Security.JWT.Secret = validJWTSecret
			},
			wantErr: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_GetTimeouts(t *testing.T) {
	cfg := &Config{
		API: APIConfig{
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 45,
				Idle:  60,
			},
		},
	}

	if got := cfg.GetReadTimeout().Seconds(); got != 30 {
		t.Errorf("GetReadTimeout() = %v, want 30", got)
	}
	if got := cfg.GetWriteTimeout().Seconds(); got != 45 {
		t.Errorf("GetWriteTimeout() = %v, want 45", got)
	}
	if got := cfg.GetIdleTimeout().Seconds(); got != 60 {
		t.Errorf("GetIdleTimeout() = %v, want 60", got)
	}
}

func TestConfig_StopTimeout(t *testing.T) {
	cfg := defaultConfig()
	cfg.Simulation.TimeUnit = 10 * time.Millisecond
	cfg.Simulation.StopTimeout = 2

	if got := cfg.StopTimeout(); got != 20*time.Millisecond {
		t.Errorf("StopTimeout() = %v, want 20ms", got)
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("DEVSIM_SIMULATION_SEED", "99")
	t.Setenv("DEVSIM_SIMULATION_TIME_UNIT", "5ms")
	t.Setenv("DEVSIM_DATABASE_PATH", "/custom/path.db")
	t.Setenv("DEVSIM_MQTT_HOST", "mqtt.example.com")
	t.Setenv("DEVSIM_MQTT_PORT", "8883")
	t.Setenv("DEVSIM_MQTT_USERNAME", "testuser")
	t.Setenv("DEVSIM_MQTT_PASSWORD", "testpass")
	t.Setenv("DEVSIM_API_HOST", "192.168.1.1")
	t.Setenv("DEVSIM_INFLUXDB_TOKEN", "secret-token")
	t.Setenv("DEVSIM_S3_ACCESS_KEY", "access")
	t.Setenv("DEVSIM_S3_SECRET_KEY", "secret")
	t.Setenv("DEVSIM_JWT_SECRET", "jwt-secret")
	t.Setenv("DEVSIM_API_KEY", "api-key")

	applyEnvOverrides(cfg)

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Simulation.Seed", cfg.Simulation.Seed, uint64(99)},
		{"Simulation.TimeUnit", cfg.Simulation.TimeUnit, 5 * time.Millisecond},
		{"Database.Path", cfg.Database.Path, "/custom/path.db"},
		{"MQTT.Broker.Host", cfg.MQTT.Broker.Host, "mqtt.example.com"},
		{"MQTT.Broker.Port", cfg.MQTT.Broker.Port, 8883},
		{"MQTT.Auth.Username", cfg.MQTT.Auth.Username, "testuser"},
		{"MQTT.Auth.Password", cfg.MQTT.Auth.Password, "testpass"},
		{"API.Host", cfg.API.Host, "192.168.1.1"},
		{"InfluxDB.Token", cfg.InfluxDB.Token, "secret-token"},
		{"Storage.S3.AccessKey", cfg.Storage.S3.AccessKey, "access"},
		{"Storage.S3.SecretKey", cfg.Storage.S3.SecretKey, "secret"},
		{"Security.JWT.Secret", cfg.Security.JWT.Secret, "jwt-secret"},
		{"Security.APIKey", cfg.Security.APIKey, "api-key"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnvOverrides_IgnoresMalformedNumbers(t *testing.T) {
	cfg := defaultConfig()

	t.Setenv("DEVSIM_SIMULATION_SEED", "not-a-number")
	t.Setenv("DEVSIM_MQTT_PORT", "abc")

	applyEnvOverrides(cfg)

	if cfg.Simulation.Seed != 1 {
		t.Errorf("Simulation.Seed = %d, want default 1", cfg.Simulation.Seed)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("MQTT.Broker.Port = %d, want default 1883", cfg.MQTT.Broker.Port)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := defaultConfig()

	if cfg.Simulation.TimeUnit != time.Second {
		t.Errorf("defaultConfig Simulation.TimeUnit = %v, want 1s", cfg.Simulation.TimeUnit)
	}
	if cfg.Storage.Backend != "memory" {
		t.Errorf("defaultConfig Storage.Backend = %q, want memory", cfg.Storage.Backend)
	}
	if cfg.MQTT.Broker.Port != 1883 {
		t.Errorf("defaultConfig MQTT.Broker.Port = %d, want 1883", cfg.MQTT.Broker.Port)
	}
	if cfg.API.Port != 8080 {
		t.Errorf("defaultConfig API.Port = %d, want 8080", cfg.API.Port)
	}
}
