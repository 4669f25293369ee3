package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "overlayd.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Intercept.WriteTimeout <= 0 {
		t.Fatalf("write timeout must default to a deadline, got %s", cfg.Intercept.WriteTimeout)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeFile(t, `
etcd:
  endpoints: ["10.0.0.1:2379", "10.0.0.2:2379"]
intercept:
  idle_timeout: 5s
  write_timeout: 3s
  balancer: consistent_hash
  codec: json
edge:
  services:
    billing: http://127.0.0.1:9000
log:
  level: debug
  writer: [console, file]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Etcd.Endpoints) != 2 || cfg.Etcd.Endpoints[1] != "10.0.0.2:2379" {
		t.Errorf("endpoints = %v", cfg.Etcd.Endpoints)
	}
	if cfg.Intercept.IdleTimeout != 5*time.Second {
		t.Errorf("idle timeout = %s", cfg.Intercept.IdleTimeout)
	}
	if cfg.Intercept.WriteTimeout != 3*time.Second {
		t.Errorf("write timeout = %s", cfg.Intercept.WriteTimeout)
	}
	if cfg.Intercept.Balancer != "consistent_hash" || cfg.Intercept.Codec != "json" {
		t.Errorf("intercept = %+v", cfg.Intercept)
	}
	if cfg.Edge.Services["billing"] != "http://127.0.0.1:9000" {
		t.Errorf("services = %v", cfg.Edge.Services)
	}
	// 未出现在文件中的字段保留默认值
	if cfg.Etcd.ServicePrefix != "/mini-overlay/services" || cfg.Edge.LeaseTTL != 10 {
		t.Errorf("defaults lost: %+v %+v", cfg.Etcd, cfg.Edge)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv(EnvEtcdEndpoints, " a:2379, b:2379 ,")
	t.Setenv(EnvLogLevel, "WARN")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(cfg.Etcd.Endpoints, ","); got != "a:2379,b:2379" {
		t.Errorf("endpoints = %q", got)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("level = %q", cfg.Log.Level)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"balancer":  "intercept:\n  balancer: random\n",
		"codec":     "intercept:\n  codec: xml\n",
		"write":     "intercept:\n  write_timeout: 0s\n",
		"prefix":    "etcd:\n  service_prefix: services\n",
		"upstream":  "edge:\n  services:\n    web: not a url\n",
		"log level": "log:\n  level: loud\n",
	}
	for name, content := range cases {
		if _, err := Load(writeFile(t, content)); err == nil {
			t.Errorf("%s: want validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("want error for a missing file")
	}
}
