package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stormline/weather-trader/internal/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trading.InitialBankroll != 100 {
		t.Errorf("initial_bankroll = %v, want 100", cfg.Trading.InitialBankroll)
	}
	if cfg.Sizing.KellyFraction != 0.25 {
		t.Errorf("kelly_fraction = %v, want 0.25", cfg.Sizing.KellyFraction)
	}
	if cfg.Risk.CooldownAfterLoss != 30*time.Minute {
		t.Errorf("cooldown_after_loss = %v, want 30m", cfg.Risk.CooldownAfterLoss)
	}
	if len(cfg.Weather.Models) != 4 {
		t.Errorf("models = %v, want 4 defaults", cfg.Weather.Models)
	}
}

func TestLoadFileOverrides(t *testing.T) {
	path := writeConfig(t, `
trading:
  initial_bankroll: 500
risk:
  cooldown_after_loss: 10m
strategy:
  min_edge: 0.08
`)
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Trading.InitialBankroll != 500 {
		t.Errorf("initial_bankroll = %v, want 500", cfg.Trading.InitialBankroll)
	}
	if cfg.Risk.CooldownAfterLoss != 10*time.Minute {
		t.Errorf("cooldown_after_loss = %v, want 10m", cfg.Risk.CooldownAfterLoss)
	}
	if cfg.Strategy.MinEdge != 0.08 {
		t.Errorf("min_edge = %v, want 0.08", cfg.Strategy.MinEdge)
	}
	// Untouched keys keep their defaults.
	if cfg.Sizing.MaxPosition != 10 {
		t.Errorf("max_position = %v, want default 10", cfg.Sizing.MaxPosition)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	t.Setenv("TRADER_SIZING_KELLY_FRACTION", "0.5")
	t.Setenv("TRADER_VENUE_API_KEY", "k-123")

	path := writeConfig(t, "sizing:\n  kelly_fraction: 0.1\n")
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Sizing.KellyFraction != 0.5 {
		t.Errorf("kelly_fraction = %v, want env override 0.5", cfg.Sizing.KellyFraction)
	}
	if cfg.Venue.APIKey != "k-123" {
		t.Errorf("venue api key = %q, want k-123", cfg.Venue.APIKey)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := writeConfig(t, "sizing:\n  kelly_fraction: 1.5\n")
	if _, err := config.Load(path); err == nil {
		t.Fatal("expected validation error for kelly_fraction > 1")
	}

	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for explicit missing file")
	}
}
