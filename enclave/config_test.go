package enclave

import (
	"strings"
	"testing"
	"time"

	"enc-mnist/shared"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("ENCLAVE_MODE", "false")
	t.Setenv("ENCLAVE_TCP_ADDR", "127.0.0.1:6000")
	t.Setenv("ENCLAVE_PROVISIONING", "Plaintext")
	t.Setenv("ENCLAVE_DECRYPT_STRATEGY", "streaming")
	t.Setenv("ENCLAVE_ENABLE_KEY_EXPORT", "true")
	t.Setenv("ENCLAVE_SESSION_TIMEOUT_MINUTES", "5")
	t.Setenv("ENCLAVE_STORAGE_IN_MEMORY", "true")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.TCPAddr != "127.0.0.1:6000" || cfg.ListenAddr() != "tcp:127.0.0.1:6000" {
		t.Errorf("Unexpected listen address %s", cfg.ListenAddr())
	}
	if cfg.Provisioning != ProvisionPlaintext || cfg.DecryptStrategy != DecryptStreaming {
		t.Errorf("Unexpected modes %s/%s", cfg.Provisioning, cfg.DecryptStrategy)
	}
	if !cfg.EnableKeyExport || cfg.EnableEncryptModel {
		t.Errorf("Unexpected optional command flags: %+v", cfg)
	}
	if cfg.SessionTimeout != 5*time.Minute {
		t.Errorf("Expected 5m session timeout, got %s", cfg.SessionTimeout)
	}
	if cfg.TAUUID != shared.DefaultTAUUID {
		t.Errorf("Expected default TA UUID, got %s", cfg.TAUUID)
	}

	opts := OptionsFromConfig(cfg)
	if opts.Provisioning != ProvisionPlaintext || !opts.EnableKeyExport {
		t.Errorf("Options not taken from config: %+v", opts)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad provisioning", func(c *Config) { c.Provisioning = "sealed" }, "ENCLAVE_PROVISIONING"},
		{"bad strategy", func(c *Config) { c.DecryptStrategy = "lazy" }, "ENCLAVE_DECRYPT_STRATEGY"},
		{"tiny frames", func(c *Config) { c.MaxFrameSize = 1024 }, "ENCLAVE_MAX_FRAME_SIZE"},
		{"no storage dir", func(c *Config) { c.StorageInMemory = false; c.StorageDir = "" }, "ENCLAVE_STORAGE_DIR"},
		{"unsealed enclave storage", func(c *Config) {
			c.EnclaveMode = true
			c.StorageInMemory = false
			c.StorageDir = "/data"
		}, "ENCLAVE_STORAGE_SEAL_SECRET"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}

	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Default config should be valid: %v", err)
	}
	if DefaultConfig().ListenAddr() != "tcp:"+shared.DefaultTCPAddr {
		t.Errorf("Unexpected default listen address")
	}
}

func TestLoadConfigRejectsBadUUID(t *testing.T) {
	t.Setenv("ENCLAVE_STORAGE_IN_MEMORY", "true")
	t.Setenv("ENCLAVE_TA_UUID", "not-a-uuid")
	if _, err := LoadConfig(); err == nil {
		t.Error("Expected invalid UUID to be rejected")
	}
}
