package preflight

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"cliprun/internal/config"
	"cliprun/internal/stage"
	"cliprun/internal/testsupport"
)

func TestCheckDirectoryAccess_OK(t *testing.T) {
	dir := t.TempDir()
	result := CheckDirectoryAccess("test", dir)
	if !result.Passed {
		t.Fatalf("expected pass for temp dir, got: %s", result.Detail)
	}
}

func TestCheckDirectoryAccess_NotExist(t *testing.T) {
	result := CheckDirectoryAccess("test", filepath.Join(t.TempDir(), "nope"))
	if result.Passed {
		t.Fatal("expected failure for missing dir")
	}
	if result.Detail == "" {
		t.Fatal("expected non-empty detail")
	}
}

func TestCheckDirectoryAccess_NotDir(t *testing.T) {
	f := filepath.Join(t.TempDir(), "file.txt")
	if err := os.WriteFile(f, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	result := CheckDirectoryAccess("test", f)
	if result.Passed {
		t.Fatal("expected failure for file path")
	}
}

func TestCheckStore_SQLite(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	result := CheckStore(context.Background(), cfg)
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
	if !strings.HasPrefix(result.Detail, "sqlite ") {
		t.Fatalf("unexpected detail %q", result.Detail)
	}
}

func TestCheckStore_UnknownDriver(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Store.Driver = "oracle"
	if result := CheckStore(context.Background(), cfg); result.Passed {
		t.Fatal("expected failure for unknown driver")
	}
}

func TestCheckResultStore_Local(t *testing.T) {
	dir := t.TempDir()
	result := CheckResultStore(context.Background(), config.ObjectStore{LocalDir: dir})
	if !result.Passed {
		t.Fatalf("expected pass, got: %s", result.Detail)
	}
}

func TestCheckWebhook(t *testing.T) {
	if result := CheckWebhook(context.Background(), ""); !result.Passed || result.Detail != "disabled" {
		t.Fatalf("expected disabled pass, got %+v", result)
	}

	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusMethodNotAllowed)
	}))
	defer ok.Close()
	if result := CheckWebhook(context.Background(), ok.URL); !result.Passed {
		t.Fatalf("expected reachable webhook, got: %s", result.Detail)
	}

	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer broken.Close()
	if result := CheckWebhook(context.Background(), broken.URL); result.Passed {
		t.Fatal("expected failure for 502")
	}
}

func TestCheckStages_ReportsMissingCommand(t *testing.T) {
	def := stage.Definition{
		Name: "probe",
		Stages: []stage.Spec{
			{ID: "ingest", Kind: stage.KindBuiltin},
			{ID: "render", Kind: stage.KindCommand, Command: []string{"cliprun-definitely-missing-binary"}},
		},
	}
	pipeline, err := stage.Build(def, nil)
	if err != nil {
		t.Fatalf("stage.Build: %v", err)
	}
	results := CheckStages(context.Background(), pipeline)
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if !results[0].Passed || results[0].Name != "Stage ingest" {
		t.Fatalf("unexpected ingest result %+v", results[0])
	}
	if results[1].Passed {
		t.Fatal("expected missing command to fail")
	}
}

func TestRunAll_NilConfig(t *testing.T) {
	if results := RunAll(context.Background(), nil, nil); results != nil {
		t.Fatal("expected nil results for nil config")
	}
}

func TestRunAll_MinimalConfig(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	pipeline, err := stage.Build(stage.DefaultDefinition(), nil)
	if err != nil {
		t.Fatal(err)
	}

	results := RunAll(context.Background(), cfg, pipeline)
	// data + log dirs, store, result store, webhook, three stages
	if len(results) != 8 {
		t.Fatalf("expected 8 results, got %d", len(results))
	}
	if failed := Failed(results); len(failed) != 0 {
		t.Fatalf("unexpected failures: %+v", failed)
	}
}
