package ezproxy

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Proxy.Port != 8001 {
		t.Errorf("expected port 8001, got %d", cfg.Proxy.Port)
	}
	if cfg.Proxy.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Proxy.Host)
	}
	if cfg.Proxy.Type != TypeHTTP {
		t.Errorf("expected type http, got %s", cfg.Proxy.Type)
	}
	if cfg.TLS.CACert != "ca.crt" || cfg.TLS.CAKey != "ca.key" {
		t.Errorf("unexpected CA paths: %s %s", cfg.TLS.CACert, cfg.TLS.CAKey)
	}
	if cfg.Cache.CompactionInterval != DefaultCompactionInterval {
		t.Errorf("expected compaction %v, got %v", DefaultCompactionInterval, cfg.Cache.CompactionInterval)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" || cfg.Logging.Output != "stderr" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestLoadConfigFromReader(t *testing.T) {
	yaml := `
proxy:
  port: 9001
  host: "0.0.0.0"
  type: https
  hostname: "proxy.local"
  throttle: 64
  force_https: true
  ignore_unauthorized: true
  ws_intercept: true

tls:
  ca_cert: "/etc/ezproxy/ca.crt"
  ca_key: "/etc/ezproxy/ca.key"
  organization: "Test Org"

cache:
  root: "/tmp/ezproxy"
  compaction_interval: 10s

session:
  duration: 2m
  enable_tests: true
  end_after_tests_complete: true

report:
  dir: "/tmp/reports"

web:
  enabled: true
  addr: ":9002"

metrics:
  enabled: true

network:
  adaptor: "VPN"
  persistent: true

filters:
  - type: domain
    pattern: "*.example.com"
  - name: errors
    type: status
    pattern: 5xx

logging:
  level: debug
  format: json
  output: stdout
`
	cfg, err := LoadConfigFromReader("yaml", []byte(yaml))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}

	if cfg.Proxy.Port != 9001 || cfg.Proxy.Host != "0.0.0.0" || cfg.Proxy.Type != TypeHTTPS {
		t.Errorf("unexpected proxy section: %+v", cfg.Proxy)
	}
	if cfg.Proxy.Throttle != 64 || !cfg.Proxy.ForceHTTPS || !cfg.Proxy.IgnoreUnauthorized || !cfg.Proxy.WsIntercept {
		t.Errorf("unexpected proxy flags: %+v", cfg.Proxy)
	}
	if cfg.TLS.Organization != "Test Org" {
		t.Errorf("expected organization 'Test Org', got %s", cfg.TLS.Organization)
	}
	if cfg.Cache.Root != "/tmp/ezproxy" || cfg.Cache.CompactionInterval != 10*time.Second {
		t.Errorf("unexpected cache section: %+v", cfg.Cache)
	}
	if cfg.Session.Duration != 2*time.Minute || !cfg.Session.EnableTests || !cfg.Session.EndAfterTestsComplete {
		t.Errorf("unexpected session section: %+v", cfg.Session)
	}
	if !cfg.Web.Enabled || cfg.Web.Addr != ":9002" || !cfg.Metrics.Enabled {
		t.Errorf("unexpected web/metrics: %+v %+v", cfg.Web, cfg.Metrics)
	}
	if len(cfg.Filters) != 2 || cfg.Filters[1].FilterName() != "errors" {
		t.Errorf("unexpected filters: %+v", cfg.Filters)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" || cfg.Logging.Output != "stdout" {
		t.Errorf("unexpected logging: %+v", cfg.Logging)
	}

	opts := cfg.ServerOptions()
	if opts.Port != 9001 || opts.ThrottleKbps != 64 || opts.ReportDir != "/tmp/reports" {
		t.Errorf("unexpected server options: %+v", opts)
	}
	if opts.Network == nil || opts.Network.AdaptorName != "VPN" || !opts.Network.Persistent {
		t.Errorf("unexpected network settings: %+v", opts.Network)
	}

	start := cfg.StartOptions()
	if start.Duration != 2*time.Minute || !start.EnableTests || !start.EndAfterTestsComplete {
		t.Errorf("unexpected start options: %+v", start)
	}
}

func TestLoadConfigFromReaderJSON(t *testing.T) {
	json := `{"proxy": {"port": 7000}, "logging": {"silent": true}}`
	cfg, err := LoadConfigFromReader("json", []byte(json))
	if err != nil {
		t.Fatalf("LoadConfigFromReader failed: %v", err)
	}
	if cfg.Proxy.Port != 7000 {
		t.Errorf("expected port 7000, got %d", cfg.Proxy.Port)
	}
	if !cfg.Logging.Silent {
		t.Error("expected logging.silent true")
	}
	if cfg.Proxy.Host != DefaultHost {
		t.Errorf("expected default host, got %s", cfg.Proxy.Host)
	}
	if cfg.ServerOptions().Network != nil {
		t.Error("expected no network settings without an adaptor")
	}
}

func TestLoadConfigFromReaderInvalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr error
	}{
		{"syntax", "invalid: yaml: data: [", nil},
		{"port", "proxy:\n  port: 70000\n", ErrPortRequired},
		{"https without hostname", "proxy:\n  type: https\n", ErrHostnameRequired},
		{"negative throttle", "proxy:\n  throttle: -1\n", ErrInvalidThrottle},
		{"unknown type", "proxy:\n  type: socks\n", nil},
		{"bad filter", "filters:\n  - type: regex\n    pattern: \"([\"\n", nil},
		{"upstream scheme", "proxy:\n  upstream: socks5://proxy:1080\n", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfigFromReader("yaml", []byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "ezproxy.yaml")

	yaml := `
proxy:
  port: 8888
filters:
  - type: method
    pattern: "POST"
`
	if err := os.WriteFile(configPath, []byte(yaml), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Proxy.Port != 8888 {
		t.Errorf("expected port 8888, got %d", cfg.Proxy.Port)
	}
	filters, err := cfg.BuildFilters()
	if err != nil || len(filters) != 1 {
		t.Fatalf("BuildFilters = %d, %v", len(filters), err)
	}
	if !filters[0](&Record{Method: "POST"}) {
		t.Error("expected POST filter to accept a POST record")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig("/nonexistent/path/ezproxy.yaml"); err == nil {
		t.Error("expected error for missing explicit path")
	}
}

func TestLoadConfigNoFile(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Proxy.Port != 8001 {
		t.Errorf("expected default port 8001, got %d", cfg.Proxy.Port)
	}
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "ezproxy.yaml")
	if err := WriteExampleConfig(path); err != nil {
		t.Fatalf("WriteExampleConfig failed: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if cfg.Proxy.Port != 8001 {
		t.Errorf("expected port 8001, got %d", cfg.Proxy.Port)
	}
	if cfg.Cache.CompactionInterval != DefaultCompactionInterval {
		t.Errorf("expected compaction %v, got %v", DefaultCompactionInterval, cfg.Cache.CompactionInterval)
	}
}

func TestEnvironmentVariableOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "ezproxy.yaml")
	if err := os.WriteFile(configPath, []byte("proxy:\n  port: 8080\n"), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	t.Setenv("EZPROXY_PROXY_PORT", "9999")
	t.Setenv("EZPROXY_TLS_ORGANIZATION", "Env Org")

	cfg, err := LoadConfig(configPath)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Proxy.Port != 9999 {
		t.Errorf("expected port 9999 from env, got %d", cfg.Proxy.Port)
	}
	if cfg.TLS.Organization != "Env Org" {
		t.Errorf("expected organization 'Env Org' from env, got %s", cfg.TLS.Organization)
	}
}
