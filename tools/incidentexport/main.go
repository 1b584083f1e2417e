// Command incidentexport packages an investigation and its surrounding
// daemon state into a single JSON bundle for offline review or escalation:
// the full investigation record, recent investigation summaries, a redacted
// tail of the daemon log, and the config fingerprint.
//
// Usage:
//
//	incidentexport -home ~/.aegis -incident <id> [-out bundle.json]
package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aegis-soc/aegis/internal/investigation"
	"github.com/aegis-soc/aegis/internal/persistence"
	"github.com/aegis-soc/aegis/internal/shared"
)

const (
	maxSummaries = 20
	maxLogLines  = 64
)

type bundle struct {
	IncidentID    string                             `json:"incident_id"`
	ExportedAt    time.Time                          `json:"exported_at"`
	ConfigHash    string                             `json:"config_hash,omitempty"`
	Investigation *investigation.State               `json:"investigation"`
	Recent        []persistence.InvestigationSummary `json:"recent"`
	RedactedLog   []string                           `json:"redacted_log"`
}

func main() {
	var (
		home     = flag.String("home", defaultHome(), "aegis data directory")
		incident = flag.String("incident", "", "incident ID to export (required)")
		out      = flag.String("out", "", "output path (default <home>/incident_<id>.json)")
	)
	flag.Parse()

	if *incident == "" {
		fmt.Fprintln(os.Stderr, "usage: incidentexport -incident <id> [-home dir] [-out path]")
		os.Exit(2)
	}

	ctx := context.Background()

	store, err := persistence.Open(filepath.Join(*home, "aegis.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	st, err := store.GetInvestigation(ctx, *incident)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load investigation %s: %v\n", *incident, err)
		os.Exit(1)
	}

	recent, err := store.ListRecent(ctx, maxSummaries)
	if err != nil {
		fmt.Fprintf(os.Stderr, "list recent: %v\n", err)
		os.Exit(1)
	}

	logs, err := tailRedacted(filepath.Join(*home, "logs", "aegisd.jsonl"), maxLogLines)
	if err != nil {
		// A missing log file is not fatal: the record itself is the payload.
		fmt.Fprintf(os.Stderr, "warning: daemon log unavailable: %v\n", err)
		logs = nil
	}

	cfgHash, err := sha256File(filepath.Join(*home, "config.yaml"))
	if err != nil {
		cfgHash = ""
	}

	b := bundle{
		IncidentID:    *incident,
		ExportedAt:    time.Now().UTC(),
		ConfigHash:    cfgHash,
		Investigation: st,
		Recent:        recent,
		RedactedLog:   logs,
	}

	outPath := *out
	if outPath == "" {
		outPath = filepath.Join(*home, fmt.Sprintf("incident_%s.json", *incident))
	}

	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal bundle: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, encoded, 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write bundle: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle written to %s (%d bytes, %d log lines)\n", outPath, len(encoded), len(logs))
}

func defaultHome() string {
	if v := os.Getenv("AEGIS_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".aegis"
	}
	return filepath.Join(home, ".aegis")
}

// tailRedacted returns the last limit non-empty lines of the log file
// with secrets masked. The daemon already redacts structured fields, but
// the export path masks again since bundles leave the machine.
func tailRedacted(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 256*1024), 256*1024)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, shared.Redact(line))
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
