package intel

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Table is the local reputation table, loaded from YAML. Lookups are
// concurrent with Reload; a watcher can hot-reload the backing file.
type Table struct {
	mu      sync.RWMutex
	entries map[string]Report
	path    string
	logger  *slog.Logger
}

// builtinEntries seed the table when no file is configured.
var builtinEntries = map[string]Report{
	"89.248.172.16": {
		Reputation:  ReputationMalicious,
		ThreatScore: 95,
		Category:    "brute_force_attacker",
		Details:     "Known SSH/RDP brute force scanner reported by multiple sources.",
		Geolocation: map[string]any{"country": "NL", "isp": "BadHosting Corp"},
	},
	"185.220.101.17": {
		Reputation:  ReputationMalicious,
		ThreatScore: 85,
		Category:    "tor_exit_node",
		Details:     "Active TOR network exit node. Traffic is anonymized.",
		Geolocation: map[string]any{"country": "DE", "isp": "Tor Exit Service"},
	},
	"8.8.8.8": {
		Reputation:  ReputationBenign,
		ThreatScore: 0,
		Category:    "dns_server",
		Details:     "Google Public DNS. Trusted infrastructure.",
		Geolocation: map[string]any{"country": "US", "isp": "Google LLC"},
	},
	"1.1.1.1": {
		Reputation:  ReputationBenign,
		ThreatScore: 0,
		Category:    "dns_server",
		Details:     "Cloudflare Public DNS.",
		Geolocation: map[string]any{"country": "US", "isp": "Cloudflare Inc"},
	},
}

// NewTable loads the reputation table. An empty path uses only the
// builtin seed entries; a configured path that fails to load is an error.
func NewTable(path string, logger *slog.Logger) (*Table, error) {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Table{
		entries: builtinSnapshot(),
		path:    path,
		logger:  logger,
	}
	if path != "" {
		if err := t.Reload(); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func builtinSnapshot() map[string]Report {
	m := make(map[string]Report, len(builtinEntries))
	for addr, rep := range builtinEntries {
		rep.Address = addr
		m[addr] = rep
	}
	return m
}

// Reload re-reads the YAML file and atomically swaps the entry map.
// Builtin entries stay present unless the file overrides them.
func (t *Table) Reload() error {
	if t.path == "" {
		return nil
	}
	data, err := os.ReadFile(t.path)
	if err != nil {
		return fmt.Errorf("read intel table: %w", err)
	}

	var file struct {
		Entries []Report `yaml:"entries"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse intel table: %w", err)
	}

	entries := builtinSnapshot()
	for _, rep := range file.Entries {
		if rep.Address == "" {
			continue
		}
		if rep.Reputation == "" {
			rep.Reputation = reputationForScore(rep.ThreatScore)
		}
		entries[rep.Address] = rep
	}

	t.mu.Lock()
	t.entries = entries
	t.mu.Unlock()
	t.logger.Info("intel table loaded", "path", t.path, "entries", len(entries))
	return nil
}

// Lookup returns the table entry for address, or an unknown report.
func (t *Table) Lookup(ctx context.Context, address string) (Report, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	t.mu.RLock()
	rep, ok := t.entries[address]
	t.mu.RUnlock()

	if ok {
		rep.Source = "local_table"
		return rep, nil
	}
	return Report{
		Address:     address,
		Reputation:  ReputationUnknown,
		ThreatScore: 0,
		Category:    "unknown",
		Details:     "No intelligence found in local table.",
		Source:      "local_table_miss",
	}, nil
}

// Watch hot-reloads the table when its file changes. It returns after
// registering the watcher; reloads happen on a background goroutine
// until ctx is done. A nil return with an empty path means no watching.
func (t *Table) Watch(ctx context.Context) error {
	if t.path == "" {
		return nil
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := fsw.Add(t.path); err != nil {
		fsw.Close()
		return err
	}

	go func() {
		defer fsw.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-fsw.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if err := t.Reload(); err != nil {
					t.logger.Error("intel table reload failed", "path", ev.Name, "error", err)
					continue
				}
				t.logger.Info("intel table reloaded", "path", ev.Name, "op", ev.Op.String())
			case err, ok := <-fsw.Errors:
				if !ok {
					return
				}
				t.logger.Error("intel table watcher error", "error", err)
			}
		}
	}()
	return nil
}
