package ssh

import (
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh/agent"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	writeFileAt(t, path, content)
	return path
}

func writeFileAt(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig("studio.local", "admin")

	if config.Port != 22 {
		t.Errorf("expected port 22, got %d", config.Port)
	}
	if config.AuthMethod != AuthMethodKey {
		t.Errorf("expected key auth, got %s", config.AuthMethod)
	}
	if !config.StrictHostKeyChecking {
		t.Error("expected strict host key checking by default")
	}
	if config.ConnectionTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", config.ConnectionTimeout)
	}
	if config.StagingDir != "/tmp/netconverge" {
		t.Errorf("unexpected staging dir %s", config.StagingDir)
	}
}

func TestConfigValidation(t *testing.T) {
	keyPath := writeFile(t, "id_ed25519", "key")

	valid := func() *Config {
		c := DefaultConfig("studio.local", "admin")
		c.PrivateKeyPath = keyPath
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid key config", mutate: func(*Config) {}},
		{name: "valid password config", mutate: func(c *Config) { c.AuthMethod, c.Password = AuthMethodPassword, "secret" }},
		{name: "missing host", mutate: func(c *Config) { c.Host = "" }, wantErr: "host is required"},
		{name: "bad port", mutate: func(c *Config) { c.Port = 70000 }, wantErr: "invalid port"},
		{name: "missing user", mutate: func(c *Config) { c.User = "" }, wantErr: "user is required"},
		{name: "missing password", mutate: func(c *Config) { c.AuthMethod = AuthMethodPassword }, wantErr: "password is required"},
		{name: "missing key file", mutate: func(c *Config) { c.PrivateKeyPath = "/nonexistent/key" }, wantErr: "not found"},
		{name: "valid agent config", mutate: func(c *Config) { c.AuthMethod, c.AgentSocket = AuthMethodAgent, "/tmp/agent.sock" }},
		{name: "unsupported auth", mutate: func(c *Config) { c.AuthMethod = "gssapi" }, wantErr: "unsupported auth method"},
		{name: "zero timeout", mutate: func(c *Config) { c.ConnectionTimeout = 0 }, wantErr: "timeout"},
		{name: "relative staging dir", mutate: func(c *Config) { c.StagingDir = "staging" }, wantErr: "staging dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := valid()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestConfigValidation_DefaultKey(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	config := DefaultConfig("studio.local", "admin")
	if err := config.Validate(); err == nil {
		t.Fatal("expected error with no default key present")
	}

	if err := os.MkdirAll(filepath.Join(home, ".ssh"), 0o700); err != nil {
		t.Fatal(err)
	}
	keyPath := filepath.Join(home, ".ssh", "id_ed25519")
	writeFileAt(t, keyPath, "key")

	if err := config.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if config.PrivateKeyPath != keyPath {
		t.Errorf("expected default key %s, got %s", keyPath, config.PrivateKeyPath)
	}
}

func TestConfigValidation_AgentSocket(t *testing.T) {
	t.Setenv("SSH_AUTH_SOCK", "")

	config := DefaultConfig("studio.local", "admin")
	config.AuthMethod = AuthMethodAgent
	if err := config.Validate(); err == nil || !strings.Contains(err.Error(), "SSH_AUTH_SOCK") {
		t.Fatalf("expected missing socket error, got %v", err)
	}

	t.Setenv("SSH_AUTH_SOCK", "/private/tmp/com.apple.launchd.x/Listeners")
	if err := config.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigAddress(t *testing.T) {
	config := DefaultConfig("studio.local", "admin")
	if got := config.Address(); got != "studio.local:22" {
		t.Errorf("unexpected address %s", got)
	}

	config.Host = "fe80::1"
	if got := config.Address(); got != "[fe80::1]:22" {
		t.Errorf("unexpected IPv6 address %s", got)
	}
}

func TestClientConfig(t *testing.T) {
	t.Run("password", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.StrictHostKeyChecking = false

		cc, release, err := config.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer release()
		if cc.User != "admin" || len(cc.Auth) != 2 || cc.Timeout != 30*time.Second {
			t.Errorf("unexpected client config: %+v", cc)
		}
	})

	t.Run("key", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.PrivateKeyPath = writeTestKey(t)
		config.StrictHostKeyChecking = false

		cc, release, err := config.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer release()
		if len(cc.Auth) != 1 {
			t.Errorf("expected one auth method, got %d", len(cc.Auth))
		}
	})

	t.Run("agent", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.AuthMethod = AuthMethodAgent
		config.AgentSocket = serveTestAgent(t)
		config.StrictHostKeyChecking = false

		cc, release, err := config.ClientConfig()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		defer release()
		if len(cc.Auth) != 1 {
			t.Errorf("expected one auth method, got %d", len(cc.Auth))
		}
	})

	t.Run("agent unreachable", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.AuthMethod = AuthMethodAgent
		config.AgentSocket = filepath.Join(t.TempDir(), "missing.sock")

		if _, _, err := config.ClientConfig(); err == nil || !strings.Contains(err.Error(), "ssh agent") {
			t.Fatalf("expected agent error, got %v", err)
		}
	})

	t.Run("unparseable key", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.PrivateKeyPath = writeFile(t, "id_ed25519", "not a key")
		config.StrictHostKeyChecking = false

		if _, _, err := config.ClientConfig(); err == nil {
			t.Fatal("expected parse error")
		}
	})

	t.Run("strict without known_hosts", func(t *testing.T) {
		config := DefaultConfig("studio.local", "admin")
		config.AuthMethod = AuthMethodPassword
		config.Password = "secret"
		config.KnownHostsPath = filepath.Join(t.TempDir(), "missing")

		if _, _, err := config.ClientConfig(); err == nil {
			t.Fatal("expected known_hosts error")
		}
	})
}

// serveTestAgent runs an empty in-memory agent on a unix socket.
func serveTestAgent(t *testing.T) string {
	t.Helper()
	// unix socket paths are short on macOS, so avoid t.TempDir
	dir, err := os.MkdirTemp("", "agent")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	sock := filepath.Join(dir, "a.sock")
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = ln.Close() })

	keyring := agent.NewKeyring()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_ = agent.ServeAgent(keyring, conn)
			}()
		}
	}()
	return sock
}
