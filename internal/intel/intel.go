// Package intel resolves IP reputation for investigation tasks. Lookups
// go to the live reputation API when a key is configured and fall back
// to the local YAML table; an address nobody knows resolves to an
// unknown report rather than an error.
package intel

import (
	"context"
	"log/slog"
	"strings"
)

// Reputation classifications, ordered from worst to harmless.
const (
	ReputationMalicious  = "malicious"
	ReputationSuspicious = "suspicious"
	ReputationBenign     = "benign"
	ReputationUnknown    = "unknown"
)

// Report is the result of one reputation lookup.
type Report struct {
	Address     string         `json:"ip_address" yaml:"address"`
	Reputation  string         `json:"reputation" yaml:"reputation"`
	ThreatScore int            `json:"threat_score" yaml:"threat_score"`
	Category    string         `json:"category" yaml:"category"`
	Details     string         `json:"details" yaml:"details"`
	Geolocation map[string]any `json:"geolocation,omitempty" yaml:"geolocation,omitempty"`
	Source      string         `json:"source" yaml:"-"`
}

// Repository answers reputation lookups.
type Repository interface {
	Lookup(ctx context.Context, address string) (Report, error)
}

// reputationForScore maps an abuse confidence score to a classification.
func reputationForScore(score int) string {
	switch {
	case score > 80:
		return ReputationMalicious
	case score > 20:
		return ReputationSuspicious
	default:
		return ReputationBenign
	}
}

// Resolver is the production Repository: live API first, local table on
// failure or when no API key is configured.
type Resolver struct {
	live   *LiveSource
	table  *Table
	logger *slog.Logger
}

// NewResolver builds a Resolver. live may be nil when no API key is set.
func NewResolver(live *LiveSource, table *Table, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{live: live, table: table, logger: logger}
}

// Lookup resolves the address. It never returns an error for an unknown
// address; only context cancellation fails the call.
func (r *Resolver) Lookup(ctx context.Context, address string) (Report, error) {
	address = strings.TrimSpace(address)
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	if r.live != nil {
		rep, err := r.live.Lookup(ctx, address)
		if err == nil {
			return rep, nil
		}
		if ctx.Err() != nil {
			return Report{}, ctx.Err()
		}
		r.logger.Warn("live reputation lookup failed; using local table",
			"address", address, "error", err)
	}

	return r.table.Lookup(ctx, address)
}
