package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoad_NoEnv_ReturnsDefaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.PanelURL != "http://localhost" {
		t.Errorf("PanelURL = %q, want %q", cfg.PanelURL, "http://localhost")
	}
	if cfg.PanelBasePath != "/ints/client/SMSCDRStats" {
		t.Errorf("PanelBasePath = %q, want %q", cfg.PanelBasePath, "/ints/client/SMSCDRStats")
	}
	if cfg.PanelTimeout != 30*time.Second {
		t.Errorf("PanelTimeout = %v, want %v", cfg.PanelTimeout, 30*time.Second)
	}
	if cfg.PanelRetries != 3 {
		t.Errorf("PanelRetries = %d, want %d", cfg.PanelRetries, 3)
	}
	if len(cfg.PanelLoginMarkers) != 2 || cfg.PanelLoginMarkers[0] != "Welcome" {
		t.Errorf("PanelLoginMarkers = %v, want [Welcome Dashboard]", cfg.PanelLoginMarkers)
	}

	// Reservation defaults
	if cfg.ReservationTTL != 10*time.Minute {
		t.Errorf("ReservationTTL = %v, want %v", cfg.ReservationTTL, 10*time.Minute)
	}
	if cfg.MaxNumbersPerUser != 3 {
		t.Errorf("MaxNumbersPerUser = %d, want %d", cfg.MaxNumbersPerUser, 3)
	}

	// Scheduler defaults
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want %v", cfg.SyncInterval, 5*time.Minute)
	}
	if cfg.OTPCheckInterval != 30*time.Second {
		t.Errorf("OTPCheckInterval = %v, want %v", cfg.OTPCheckInterval, 30*time.Second)
	}
	if cfg.CleanupInterval != 60*time.Second {
		t.Errorf("CleanupInterval = %v, want %v", cfg.CleanupInterval, 60*time.Second)
	}
	if cfg.OTPRetention != 24*time.Hour {
		t.Errorf("OTPRetention = %v, want %v", cfg.OTPRetention, 24*time.Hour)
	}
	if cfg.CaptchaTimeout != 30*time.Second {
		t.Errorf("CaptchaTimeout = %v, want %v", cfg.CaptchaTimeout, 30*time.Second)
	}
	if cfg.ServerPort != "8080" {
		t.Errorf("ServerPort = %q, want %q", cfg.ServerPort, "8080")
	}
	if cfg.DatabaseURL != "" {
		t.Errorf("DatabaseURL = %q, want empty", cfg.DatabaseURL)
	}
}

func TestLoad_CustomValues(t *testing.T) {
	t.Setenv("PANEL_URL", "https://panel.example.com/")
	t.Setenv("PANEL_USERNAME", "agent")
	t.Setenv("PANEL_TIMEOUT", "5s")
	t.Setenv("RESERVATION_TTL", "15m")
	t.Setenv("MAX_NUMBERS_PER_USER", "5")
	t.Setenv("TELEGRAM_ADMIN_ID", "12345")
	t.Setenv("PANEL_LOGIN_MARKERS", "Logout, Balance")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}

	if cfg.PanelURL != "https://panel.example.com" {
		t.Errorf("PanelURL = %q, want trailing slash trimmed", cfg.PanelURL)
	}
	if cfg.PanelUsername != "agent" {
		t.Errorf("PanelUsername = %q, want %q", cfg.PanelUsername, "agent")
	}
	if cfg.PanelTimeout != 5*time.Second {
		t.Errorf("PanelTimeout = %v, want %v", cfg.PanelTimeout, 5*time.Second)
	}
	if cfg.ReservationTTL != 15*time.Minute {
		t.Errorf("ReservationTTL = %v, want %v", cfg.ReservationTTL, 15*time.Minute)
	}
	if cfg.MaxNumbersPerUser != 5 {
		t.Errorf("MaxNumbersPerUser = %d, want %d", cfg.MaxNumbersPerUser, 5)
	}
	if cfg.TelegramAdminID != 12345 {
		t.Errorf("TelegramAdminID = %d, want %d", cfg.TelegramAdminID, 12345)
	}
	if len(cfg.PanelLoginMarkers) != 2 || cfg.PanelLoginMarkers[1] != "Balance" {
		t.Errorf("PanelLoginMarkers = %v, want [Logout Balance]", cfg.PanelLoginMarkers)
	}
}

func TestLoad_InvalidValues_FallBackToDefaults(t *testing.T) {
	t.Setenv("PANEL_RETRIES", "many")
	t.Setenv("SYNC_INTERVAL", "soon")
	t.Setenv("PANEL_RATE_LIMIT", "fast")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.PanelRetries != 3 {
		t.Errorf("PanelRetries = %d, want default 3", cfg.PanelRetries)
	}
	if cfg.SyncInterval != 5*time.Minute {
		t.Errorf("SyncInterval = %v, want default 5m", cfg.SyncInterval)
	}
	if cfg.PanelRateLimit != 2 {
		t.Errorf("PanelRateLimit = %v, want default 2", cfg.PanelRateLimit)
	}
}

func TestLoad_UnparsablePanelURL_ReturnsError(t *testing.T) {
	t.Setenv("PANEL_URL", "not a url")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for invalid PANEL_URL, got nil")
	}
}

func TestLoad_ConfigFile_EnvTakesPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "smsrelay.yaml")
	content := `
PANEL_URL: https://from-file.example.com
PANEL_RETRIES: 7
sync_interval: 2m
PANEL_LOGIN_MARKERS:
  - Logout
  - Home
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PANEL_RETRIES", "1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if cfg.PanelURL != "https://from-file.example.com" {
		t.Errorf("PanelURL = %q, want value from file", cfg.PanelURL)
	}
	if cfg.PanelRetries != 1 {
		t.Errorf("PanelRetries = %d, want env value 1", cfg.PanelRetries)
	}
	if cfg.SyncInterval != 2*time.Minute {
		t.Errorf("SyncInterval = %v, want 2m from file", cfg.SyncInterval)
	}
	if len(cfg.PanelLoginMarkers) != 2 || cfg.PanelLoginMarkers[0] != "Logout" {
		t.Errorf("PanelLoginMarkers = %v, want [Logout Home]", cfg.PanelLoginMarkers)
	}
}

func TestLoad_MissingConfigFile_ReturnsError(t *testing.T) {
	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}
