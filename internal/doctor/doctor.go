// Package doctor runs startup diagnostics for the investigation daemon:
// config, oracle credentials, database, dataset, intel table, network.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/aegis-soc/aegis/internal/config"
	"github.com/aegis-soc/aegis/internal/dataset"
	"github.com/aegis-soc/aegis/internal/intel"
	"github.com/aegis-soc/aegis/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkAPIKey,
		checkDatabase,
		checkDataset,
		checkIntelTable,
		checkPermissions,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// Failed reports whether any check is a hard failure.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkAPIKey(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "API Key", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	if cfg.LLMAPIKey() != "" {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Oracle key present for %s provider", provider)}
	}

	envVars := map[string]string{
		"google":    "GEMINI_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"anthropic": "ANTHROPIC_API_KEY",
	}
	envVar, ok := envVars[provider]
	if !ok {
		return CheckResult{Name: "API Key", Status: "PASS", Message: fmt.Sprintf("Provider %q uses api_key from config (no standard env var)", provider)}
	}
	return CheckResult{
		Name:    "API Key",
		Status:  "WARN",
		Message: fmt.Sprintf("%s not set (required for %s provider)", envVar, provider),
		Detail:  "Without an oracle key the daemon cannot plan investigations",
	}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(filepath.Join(cfg.HomeDir, "aegis.db"))
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	if _, err := store.ListRecent(ctx, 1); err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: "Connection and schema valid"}
}

func checkDataset(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Dataset", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.DatasetPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Dataset",
			Status:  "WARN",
			Message: fmt.Sprintf("Dataset missing at %s", cfg.DatasetPath),
			Detail:  "A starter dataset is written on daemon startup",
		}
	}
	ds, err := dataset.Load(cfg.DatasetPath)
	if err != nil {
		return CheckResult{Name: "Dataset", Status: "FAIL", Message: fmt.Sprintf("Load failed: %v", err)}
	}
	return CheckResult{
		Name:    "Dataset",
		Status:  "PASS",
		Message: fmt.Sprintf("%d rows, %d columns", ds.Len(), len(ds.Columns())),
	}
}

func checkIntelTable(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Intel Table", Status: "SKIP", Message: "Config missing"}
	}
	if _, err := os.Stat(cfg.Intel.TablePath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Intel Table",
			Status:  "WARN",
			Message: fmt.Sprintf("Table missing at %s (builtin entries only)", cfg.Intel.TablePath),
		}
	}
	if _, err := intel.NewTable(cfg.Intel.TablePath, nil); err != nil {
		return CheckResult{Name: "Intel Table", Status: "FAIL", Message: fmt.Sprintf("Parse failed: %v", err)}
	}
	live := "disabled (no ABUSEIPDB_API_KEY)"
	if cfg.Intel.APIKey != "" {
		live = "enabled"
	}
	return CheckResult{Name: "Intel Table", Status: "PASS", Message: "Table valid", Detail: "live source " + live}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Network", Status: "SKIP", Message: "Config missing"}
	}

	provider := "google"
	if cfg.LLM.Provider != "" {
		provider = strings.ToLower(cfg.LLM.Provider)
	}

	endpoints := map[string]string{
		"google":            "generativelanguage.googleapis.com",
		"anthropic":         "api.anthropic.com",
		"openai":            "api.openai.com",
		"openai_compatible": "api.openai.com",
	}
	host, ok := endpoints[provider]
	if !ok {
		host = "generativelanguage.googleapis.com"
	}

	lookupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	start := time.Now()
	addrs, err := net.DefaultResolver.LookupHost(lookupCtx, host)
	latency := time.Since(start)

	if err != nil {
		return CheckResult{
			Name:    "Network",
			Status:  "FAIL",
			Message: fmt.Sprintf("DNS lookup failed for %s: %v", host, err),
			Detail:  fmt.Sprintf("provider=%s, latency=%dms", provider, latency.Milliseconds()),
		}
	}
	return CheckResult{
		Name:    "Network",
		Status:  "PASS",
		Message: fmt.Sprintf("DNS resolved %s (%d addresses, %dms)", host, len(addrs), latency.Milliseconds()),
		Detail:  fmt.Sprintf("provider=%s, addresses=%v", provider, addrs),
	}
}
