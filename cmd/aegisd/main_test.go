package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aegis-soc/aegis/internal/config"
	"github.com/aegis-soc/aegis/internal/dataset"
	"github.com/aegis-soc/aegis/internal/intel"
)

func TestLoadDotEnvDoesNotOverrideExisting(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	content := "FOO_FROM_DOTENV=file\nEXISTING_VAR=file\n# comment line\nBAD LINE\n"
	if err := os.WriteFile(envPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write .env: %v", err)
	}

	t.Setenv("EXISTING_VAR", "env")
	t.Setenv("FOO_FROM_DOTENV", "")
	os.Unsetenv("FOO_FROM_DOTENV")
	defer os.Unsetenv("FOO_FROM_DOTENV")

	loadDotEnv(envPath)

	if got := os.Getenv("FOO_FROM_DOTENV"); got != "file" {
		t.Errorf("FOO_FROM_DOTENV = %q, want file", got)
	}
	if got := os.Getenv("EXISTING_VAR"); got != "env" {
		t.Errorf("EXISTING_VAR = %q, want env (no override)", got)
	}
}

func TestBootstrapDataFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		HomeDir:     dir,
		DatasetPath: filepath.Join(dir, "logs.csv"),
	}
	cfg.Intel.TablePath = filepath.Join(dir, "intel.yaml")

	if err := bootstrapDataFiles(cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// The starter dataset must load and include the brute-force burst.
	ds, err := dataset.Load(cfg.DatasetPath)
	if err != nil {
		t.Fatalf("load starter dataset: %v", err)
	}
	if ds.Len() == 0 {
		t.Fatal("starter dataset is empty")
	}
	found := false
	for _, row := range ds.Rows() {
		if row["source_ip"] == "89.248.172.16" {
			found = true
			break
		}
	}
	if !found {
		t.Error("starter dataset missing the brute-force source address")
	}

	// The starter intel table must parse and resolve its entries.
	table, err := intel.NewTable(cfg.Intel.TablePath, nil)
	if err != nil {
		t.Fatalf("load starter intel table: %v", err)
	}
	report, err := table.Lookup(t.Context(), "45.155.205.0")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if report.Reputation != intel.ReputationMalicious {
		t.Errorf("reputation = %q, want malicious", report.Reputation)
	}
}

func TestBootstrapLeavesExistingFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := config.Config{
		HomeDir:     dir,
		DatasetPath: filepath.Join(dir, "logs.csv"),
	}
	cfg.Intel.TablePath = filepath.Join(dir, "intel.yaml")

	custom := "timestamp,source_ip\n2026-08-01T00:00:00,1.2.3.4\n"
	if err := os.WriteFile(cfg.DatasetPath, []byte(custom), 0o644); err != nil {
		t.Fatalf("write dataset: %v", err)
	}
	if err := bootstrapDataFiles(cfg); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	data, err := os.ReadFile(cfg.DatasetPath)
	if err != nil {
		t.Fatalf("read dataset: %v", err)
	}
	if string(data) != custom {
		t.Error("bootstrap overwrote an existing dataset")
	}
	if !strings.Contains(string(data), "1.2.3.4") {
		t.Error("custom dataset content lost")
	}
}
