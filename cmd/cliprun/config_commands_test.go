package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cliprun/internal/config"
)

func TestConfigInitAndValidate(t *testing.T) {
	env := setupCLITestEnv(t)

	out, _, err := runCLI(t, []string{"config", "validate"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, "ingest -> segmenter* -> finalize")

	tmp := t.TempDir()
	target := filepath.Join(tmp, "config.toml")
	out, _, err = runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")

	if _, err := os.Stat(target); err != nil {
		t.Fatalf("expected config file at %s: %v", target, err)
	}

	if _, _, err := runCLI(t, []string{"config", "init", "--path", target}, env.socketPath, env.configPath); err == nil {
		t.Fatal("expected init to refuse overwriting without --overwrite")
	}
}

func TestConfigShowMasksSecrets(t *testing.T) {
	cfg := config.Default()
	cfg.Postgres.Password = "hunter2"
	cfg.Postgres.URL = "postgres://clip:hunter2@db:5432/clips"
	cfg.ObjectStore.SecretKey = "minio-secret"

	masked := maskSecrets(cfg)
	if masked.Postgres.Password != redacted || masked.ObjectStore.SecretKey != redacted {
		t.Fatalf("secrets not masked: %+v", masked)
	}
	if strings.Contains(masked.Postgres.URL, "hunter2") {
		t.Fatalf("url password not masked: %s", masked.Postgres.URL)
	}
	if masked.Postgres.URL != "postgres://clip:"+redacted+"@db:5432/clips" {
		t.Fatalf("unexpected masked url %s", masked.Postgres.URL)
	}
	if cfg.Postgres.Password != "hunter2" {
		t.Fatal("maskSecrets must not modify its argument")
	}
}

func TestLogsCommandFiltersByRun(t *testing.T) {
	env := setupCLITestEnv(t)
	logPath := filepath.Join(env.cfg.Paths.LogDir, "cliprun.log")
	content := "INFO orchestrator: stage started run_id=run-a stage=ingest\n" +
		"INFO orchestrator: stage started run_id=run-b stage=ingest\n"
	if err := os.WriteFile(logPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, []string{"logs", "--run", "run-b"}, env.socketPath, env.configPath)
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	requireContains(t, out, "run_id=run-b")
	if strings.Contains(out, "run-a") {
		t.Fatalf("unexpected line for another run: %q", out)
	}
}
