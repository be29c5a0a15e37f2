package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %+v", err)
	}
	if cfg.MaxIterations != DefaultMaxIterations {
		t.Errorf("MaxIterations = %d, want %d", cfg.MaxIterations, DefaultMaxIterations)
	}
	if cfg.ToolFailureThreshold != DefaultToolFailureThreshold {
		t.Errorf("ToolFailureThreshold = %d, want %d", cfg.ToolFailureThreshold, DefaultToolFailureThreshold)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoadConfigProjectOverridesUser(t *testing.T) {
	home := t.TempDir()
	project := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(project)

	userCfg := "provider: anthropic\nmodel: user-model\nmax_iterations: 5\n"
	projectCfg := "model: project-model\n"
	writeConfig(t, filepath.Join(home, ".pulpo"), userCfg)
	writeConfig(t, filepath.Join(project, ".pulpo"), projectCfg)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %+v", err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("Provider = %q, want anthropic", cfg.Provider)
	}
	if cfg.Model != "project-model" {
		t.Errorf("Model = %q, want project-model", cfg.Model)
	}
	if cfg.MaxIterations != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.MaxIterations)
	}
}

func TestEnvKeysFillGaps(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	t.Setenv("PULPO_ENCRYPTION_PASSPHRASE", "env-pass")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %+v", err)
	}
	if cfg.Keys.Anthropic != "env-key" {
		t.Errorf("Keys.Anthropic = %q", cfg.Keys.Anthropic)
	}
	if cfg.EncryptionPassphrase != "env-pass" {
		t.Errorf("EncryptionPassphrase = %q", cfg.EncryptionPassphrase)
	}
}

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}
