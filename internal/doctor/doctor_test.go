package doctor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/aegis-soc/aegis/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	home := t.TempDir()
	cfg := &config.Config{HomeDir: home}
	cfg.DatasetPath = filepath.Join(home, "network_logs.csv")
	cfg.Intel.TablePath = filepath.Join(home, "intel.yaml")
	return cfg
}

func TestCheckConfig_Nil(t *testing.T) {
	res := checkConfig(context.Background(), nil)
	if res.Status != "FAIL" {
		t.Fatalf("expected FAIL for nil config, got %s", res.Status)
	}
}

func TestCheckConfig_Loaded(t *testing.T) {
	res := checkConfig(context.Background(), testConfig(t))
	if res.Status != "PASS" {
		t.Fatalf("expected PASS, got %s", res.Status)
	}
}

func TestCheckAPIKey_Missing(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "")
	res := checkAPIKey(context.Background(), testConfig(t))
	if res.Status != "WARN" {
		t.Fatalf("expected WARN without key, got %s", res.Status)
	}
}

func TestCheckAPIKey_FromEnv(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "test-key")
	res := checkAPIKey(context.Background(), testConfig(t))
	if res.Status != "PASS" {
		t.Fatalf("expected PASS with GEMINI_API_KEY set, got %s", res.Status)
	}
}

func TestCheckDatabase_CreatesSchema(t *testing.T) {
	res := checkDatabase(context.Background(), testConfig(t))
	if res.Status != "PASS" {
		t.Fatalf("expected PASS, got %s (%s)", res.Status, res.Message)
	}
}

func TestCheckDataset_MissingIsWarn(t *testing.T) {
	res := checkDataset(context.Background(), testConfig(t))
	if res.Status != "WARN" {
		t.Fatalf("expected WARN for missing dataset, got %s", res.Status)
	}
}

func TestCheckDataset_MalformedIsFail(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.DatasetPath, []byte("a,b\n1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := checkDataset(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("expected FAIL for malformed dataset, got %s", res.Status)
	}
}

func TestCheckIntelTable_ParseError(t *testing.T) {
	cfg := testConfig(t)
	if err := os.WriteFile(cfg.Intel.TablePath, []byte("entries: [not valid"), 0o644); err != nil {
		t.Fatal(err)
	}
	res := checkIntelTable(context.Background(), cfg)
	if res.Status != "FAIL" {
		t.Fatalf("expected FAIL for unparseable table, got %s", res.Status)
	}
}

func TestCheckPermissions_Writable(t *testing.T) {
	res := checkPermissions(context.Background(), testConfig(t))
	if res.Status != "PASS" {
		t.Fatalf("expected PASS for writable temp dir, got %s", res.Status)
	}
}

func TestCheckNetwork_NilConfig(t *testing.T) {
	res := checkNetwork(context.Background(), nil)
	if res.Status != "SKIP" {
		t.Fatalf("expected SKIP for nil config, got %s", res.Status)
	}
}

func TestDiagnosisFailed(t *testing.T) {
	d := Diagnosis{Results: []CheckResult{
		{Name: "A", Status: "PASS"},
		{Name: "B", Status: "WARN"},
	}}
	if d.Failed() {
		t.Fatal("Failed() = true with no FAIL results")
	}
	d.Results = append(d.Results, CheckResult{Name: "C", Status: "FAIL"})
	if !d.Failed() {
		t.Fatal("Failed() = false with a FAIL result")
	}
}
