package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Recon.DailyThresholdMinutes != 480 {
		t.Fatalf("unexpected threshold: %d", cfg.Recon.DailyThresholdMinutes)
	}
	if cfg.Recon.Workers != 4 {
		t.Fatalf("unexpected workers: %d", cfg.Recon.Workers)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RECON_DAILY_THRESHOLD_MINUTES", "450")
	t.Setenv("SERVER_ADDR", ":9090")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Recon.DailyThresholdMinutes != 450 {
		t.Fatalf("threshold override lost: %d", cfg.Recon.DailyThresholdMinutes)
	}
	if cfg.Server.Addr != ":9090" {
		t.Fatalf("addr override lost: %s", cfg.Server.Addr)
	}
}

func TestValidateRejectsBadThreshold(t *testing.T) {
	t.Setenv("RECON_DAILY_THRESHOLD_MINUTES", "0")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for zero threshold")
	}

	t.Setenv("RECON_DAILY_THRESHOLD_MINUTES", "480")
	t.Setenv("RECON_WORKERS", "-1")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for negative workers")
	}
}
