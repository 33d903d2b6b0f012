package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv unsets every KVASS_* variable for the duration of the test
func clearEnv(t *testing.T) {
	t.Helper()
	for _, kv := range os.Environ() {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "KVASS_") {
			t.Setenv(key, "")
		}
	}
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	return writeNamedFile(t, "kvass.yaml", content)
}

func writeNamedFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cfg.LogLevel != "info" {
			t.Errorf("Expected default LogLevel 'info', got: %s", cfg.LogLevel)
		}
		if cfg.Transport != TransportTCP {
			t.Errorf("Expected default transport tcp, got: %s", cfg.Transport)
		}
		if cfg.Broker.Listen != "0.0.0.0:4321" {
			t.Errorf("Expected default listen address, got: %s", cfg.Broker.Listen)
		}
		if cfg.Main.ID != 0x31 || cfg.Sub.ID != 0x30 || cfg.Sub.Target != 0x31 {
			t.Errorf("Unexpected default ids: main=%#x sub=%#x target=%#x", cfg.Main.ID, cfg.Sub.ID, cfg.Sub.Target)
		}
		if !cfg.Broker.HalfClose || !cfg.Main.HalfClose || !cfg.Sub.HalfClose {
			t.Error("Expected end-of-stream forwarding by default on every hop")
		}
		if cfg.Sub.RetryDelay != time.Second {
			t.Errorf("Expected 1s retry delay, got: %v", cfg.Sub.RetryDelay)
		}
	})

	t.Run("from environment", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KVASS_LOG_LEVEL", "debug")
		t.Setenv("KVASS_TRANSPORT", "ws")
		t.Setenv("KVASS_BROKER", "relay.example.com:4321")
		t.Setenv("KVASS_MAIN_ID", "0x42")
		t.Setenv("KVASS_SUB_TARGET", "66")
		t.Setenv("KVASS_DATA_CONN_TIMEOUT", "3s")
		t.Setenv("KVASS_HALF_CLOSE", "false")
		t.Setenv("KVASS_SPLICE_IDLE_TIMEOUT", "30s")

		cfg, err := Load("")
		if err != nil {
			t.Fatalf("Expected no error, got: %v", err)
		}

		if cfg.LogLevel != "debug" {
			t.Errorf("Expected LogLevel from env, got: %s", cfg.LogLevel)
		}
		if cfg.Transport != TransportWS {
			t.Errorf("Expected transport from env, got: %s", cfg.Transport)
		}
		if cfg.Main.Broker != "relay.example.com:4321" || cfg.Sub.Broker != "relay.example.com:4321" {
			t.Errorf("Expected broker address for both agents, got %s and %s", cfg.Main.Broker, cfg.Sub.Broker)
		}
		if cfg.Main.ID != 0x42 || cfg.Sub.Target != 0x42 {
			t.Errorf("Expected ids from env, got main=%#x target=%#x", cfg.Main.ID, cfg.Sub.Target)
		}
		if cfg.Broker.DataConnTimeout != 3*time.Second {
			t.Errorf("Expected data conn timeout from env, got: %v", cfg.Broker.DataConnTimeout)
		}
		if cfg.Broker.HalfClose || cfg.Main.HalfClose || cfg.Sub.HalfClose {
			t.Error("Expected half close disabled from env on every hop")
		}
		if cfg.Broker.SpliceIdleTimeout != 30*time.Second ||
			cfg.Main.SpliceIdleTimeout != 30*time.Second ||
			cfg.Sub.SpliceIdleTimeout != 30*time.Second {
			t.Errorf("Expected splice idle timeout from env on every hop, got %v %v %v",
				cfg.Broker.SpliceIdleTimeout, cfg.Main.SpliceIdleTimeout, cfg.Sub.SpliceIdleTimeout)
		}
	})

	t.Run("bad environment values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("KVASS_MAIN_ID", "300")
		t.Setenv("KVASS_RETRY_DELAY", "soon")

		_, err := Load("")
		if !IsConfigError(err) {
			t.Fatalf("Expected ConfigError, got: %v", err)
		}
		ce := err.(*ConfigError)
		if len(ce.Problems) != 2 {
			t.Errorf("Expected 2 problems, got: %v", ce.Problems)
		}
	})
}

func TestLoad_File(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, `
log_level: warn
transport: ws
ws_path: /relay
broker:
  listen: ":5000"
  admin: "127.0.0.1:9100"
  duplicate_policy: reject
  handshake_timeout: 2s
  handshake_rate: 50
main:
  broker: "broker.internal:5000"
  backend: "127.0.0.1:22"
  id: 0x07
sub:
  target: 0x07
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.LogLevel != "warn" || cfg.Transport != TransportWS || cfg.WSPath != "/relay" {
		t.Errorf("Unexpected top-level settings: %+v", cfg)
	}
	if cfg.Broker.Listen != ":5000" || cfg.Broker.DuplicatePolicy != "reject" {
		t.Errorf("Unexpected broker settings: %+v", cfg.Broker)
	}
	if cfg.Broker.HandshakeTimeout != 2*time.Second {
		t.Errorf("Expected 2s handshake timeout, got: %v", cfg.Broker.HandshakeTimeout)
	}
	if cfg.Broker.DataConnTimeout != 10*time.Second {
		t.Errorf("Expected unset fields to keep defaults, got: %v", cfg.Broker.DataConnTimeout)
	}
	if cfg.Main.ID != 0x07 || cfg.Sub.Target != 0x07 {
		t.Errorf("Expected hex ids from file, got main=%#x target=%#x", cfg.Main.ID, cfg.Sub.Target)
	}
	if cfg.Sub.Bind != "127.0.0.1:4444" {
		t.Errorf("Expected default bind, got: %s", cfg.Sub.Bind)
	}
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	clearEnv(t)
	path := writeFile(t, "log_level: warn\n")
	t.Setenv("KVASS_LOG_LEVEL", "error")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.LogLevel != "error" {
		t.Errorf("Expected env to win over file, got: %s", cfg.LogLevel)
	}
}

func TestLoad_FileErrors(t *testing.T) {
	clearEnv(t)

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}

	path := writeFile(t, "broker: [not, a, map]\n")
	if _, err := Load(path); err == nil {
		t.Error("Expected error for malformed file")
	}
}

func TestLoad_TOMLFile(t *testing.T) {
	clearEnv(t)
	path := writeNamedFile(t, "kvass.toml", `
log_level = "debug"
transport = "quic"

[broker]
listen = "0.0.0.0:5000"
data_conn_timeout = "3s"
half_close = false

[main]
backend = "10.0.0.5:22"
id = 66
splice_idle_timeout = "5m"

[sub]
proxy = "socks5://127.0.0.1:1080"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Transport != TransportQUIC {
		t.Errorf("Unexpected top-level settings: %s %s", cfg.LogLevel, cfg.Transport)
	}
	if cfg.Broker.Listen != "0.0.0.0:5000" || cfg.Broker.DataConnTimeout != 3*time.Second || cfg.Broker.HalfClose {
		t.Errorf("Unexpected broker section: %+v", cfg.Broker)
	}
	if cfg.Main.Backend != "10.0.0.5:22" || cfg.Main.ID != 66 || cfg.Main.SpliceIdleTimeout != 5*time.Minute {
		t.Errorf("Unexpected main section: %+v", cfg.Main)
	}
	if cfg.Sub.Proxy != "socks5://127.0.0.1:1080" {
		t.Errorf("Unexpected sub proxy: %s", cfg.Sub.Proxy)
	}
	// Unset keys keep their defaults
	if cfg.Broker.HandshakeTimeout != 10*time.Second {
		t.Errorf("Expected default handshake timeout, got: %v", cfg.Broker.HandshakeTimeout)
	}

	bad := writeNamedFile(t, "bad.toml", "broker = 3\n[broker]\n")
	if _, err := Load(bad); err == nil {
		t.Error("Expected error for malformed TOML")
	}
}

func TestLoad_ProxyFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("KVASS_PROXY", "socks5://proxy:1080")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cfg.Main.Proxy != "socks5://proxy:1080" || cfg.Sub.Proxy != "socks5://proxy:1080" {
		t.Errorf("Expected proxy on both agents, got main=%q sub=%q", cfg.Main.Proxy, cfg.Sub.Proxy)
	}
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    uint8
		wantErr bool
	}{
		{"0x31", 0x31, false},
		{"49", 49, false},
		{" 0x30 ", 0x30, false},
		{"0xff", 0xff, false},
		{"0x100", 0, true},
		{"abc", 0, true},
		{"", 0, true},
	}

	for _, tt := range tests {
		got, err := ParseID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseID(%q) = %#x, want %#x", tt.in, got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	t.Run("defaults are valid for every role", func(t *testing.T) {
		cfg := Default()
		if err := cfg.ValidateBroker(); err != nil {
			t.Errorf("ValidateBroker: %v", err)
		}
		if err := cfg.ValidateMain(); err != nil {
			t.Errorf("ValidateMain: %v", err)
		}
		if err := cfg.ValidateSub(); err != nil {
			t.Errorf("ValidateSub: %v", err)
		}
	})

	t.Run("broker problems", func(t *testing.T) {
		cfg := Default()
		cfg.Broker.Listen = "4321"
		cfg.Broker.Admin = "nope"
		cfg.Broker.DuplicatePolicy = "merge"
		cfg.Broker.HandshakeTimeout = 0
		cfg.Transport = "udp"

		err := cfg.ValidateBroker()
		if !IsConfigError(err) {
			t.Fatalf("Expected ConfigError, got: %v", err)
		}
		msg := err.Error()
		for _, want := range []string{"broker.listen", "broker.admin", "duplicate_policy", "handshake_timeout", "transport"} {
			if !strings.Contains(msg, want) {
				t.Errorf("Expected %q in error, got: %s", want, msg)
			}
		}
	})

	t.Run("main requires backend", func(t *testing.T) {
		cfg := Default()
		cfg.Main.Backend = ""

		err := cfg.ValidateMain()
		if err == nil || !strings.Contains(err.Error(), "main.backend is required") {
			t.Errorf("Expected missing backend error, got: %v", err)
		}
	})

	t.Run("sub bind needs a port", func(t *testing.T) {
		cfg := Default()
		cfg.Sub.Bind = "127.0.0.1:"

		if err := cfg.ValidateSub(); err == nil {
			t.Error("Expected error for bind address without port")
		}
	})

	t.Run("ws path", func(t *testing.T) {
		cfg := Default()
		cfg.Transport = TransportWS
		cfg.WSPath = "relay"

		if err := cfg.ValidateSub(); err == nil {
			t.Error("Expected error for relative ws path")
		}
	})

	t.Run("proxy", func(t *testing.T) {
		tests := []struct {
			transport Transport
			proxy     string
			wantErr   bool
		}{
			{TransportTCP, "socks5://127.0.0.1:1080", false},
			{TransportWS, "socks5h://proxy.internal:1080", false},
			{TransportTCP, "http://127.0.0.1:8080", true},
			{TransportTCP, "socks5://proxy", true},
			{TransportQUIC, "socks5://127.0.0.1:1080", true},
		}

		for _, tt := range tests {
			cfg := Default()
			cfg.Transport = tt.transport
			cfg.Main.Proxy = tt.proxy
			cfg.Sub.Proxy = tt.proxy

			if err := cfg.ValidateMain(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateMain(%s, %s) error = %v, wantErr %v", tt.transport, tt.proxy, err, tt.wantErr)
			}
			if err := cfg.ValidateSub(); (err != nil) != tt.wantErr {
				t.Errorf("ValidateSub(%s, %s) error = %v, wantErr %v", tt.transport, tt.proxy, err, tt.wantErr)
			}
		}
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := Default()
		cfg.LogLevel = "loud"

		if err := cfg.ValidateMain(); err == nil {
			t.Error("Expected error for unknown log level")
		}
	})
}
