// Package config parses and validates the proposer's run configuration
// (§6.3), in the teacher's idiom: properties-file plus flag overrides
// (cmd/goshawkdb/main.go builds its configuration.Configuration the
// same way, from a file plus flag.StringVar/IntVar).
package config

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/magiconair/properties"

	"github.com/shanyp/neon/wire"
)

// Safekeeper is one entry of safekeepers_list.
type Safekeeper struct {
	Host string
	Port int
}

// Config is the immutable run configuration (ProposerState.config).
type Config struct {
	Tenant              wire.UUID
	Timeline            wire.UUID
	Safekeepers         []Safekeeper
	ReconnectTimeoutMs  int64
	ConnectionTimeoutMs int64
	WalSegmentSize      uint32
	SyncSafekeepers     bool
	SystemID            uint64
	PgTimeline          uint32
}

// ParseError reports a fatal startup configuration problem (§6.3).
type ParseError struct {
	Field string
	Err   error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("config: invalid %s: %v", e.Field, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Load reads a properties file of the form used throughout the pack
// (magiconair/properties): `key = value` pairs, one per line.
func Load(path string) (*Config, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}
	return FromProperties(p)
}

// FromProperties builds and validates a Config from an already-loaded
// properties.Properties, so tests and Load share one validation path.
func FromProperties(p *properties.Properties) (*Config, error) {
	cfg := &Config{}

	tenantHex := p.GetString("tenant", "")
	tenant, err := parseHexUUID(tenantHex)
	if err != nil {
		return nil, &ParseError{Field: "tenant", Err: err}
	}
	cfg.Tenant = tenant

	timelineHex := p.GetString("timeline", "")
	timeline, err := parseHexUUID(timelineHex)
	if err != nil {
		return nil, &ParseError{Field: "timeline", Err: err}
	}
	cfg.Timeline = timeline

	sks, err := parseSafekeepersList(p.GetString("safekeepers_list", ""))
	if err != nil {
		return nil, &ParseError{Field: "safekeepers_list", Err: err}
	}
	cfg.Safekeepers = sks

	cfg.ReconnectTimeoutMs = p.GetInt64("reconnect_timeout_ms", 1000)
	cfg.ConnectionTimeoutMs = p.GetInt64("connection_timeout_ms", 10000)
	if cfg.ConnectionTimeoutMs <= 0 {
		return nil, &ParseError{Field: "connection_timeout_ms", Err: fmt.Errorf("must be positive")}
	}

	segSize := p.GetUint64("wal_segment_size", 16*1024*1024)
	if segSize == 0 || segSize%wire.XlogBlockSize != 0 {
		return nil, &ParseError{Field: "wal_segment_size", Err: fmt.Errorf("must be a positive multiple of %d", wire.XlogBlockSize)}
	}
	cfg.WalSegmentSize = uint32(segSize)

	cfg.SyncSafekeepers = p.GetBool("sync_safekeepers", false)
	cfg.SystemID = p.GetUint64("system_id", 0)
	cfg.PgTimeline = uint32(p.GetUint64("pg_timeline", 1))

	return cfg, nil
}

// Quorum is N/2 + 1.
func (c *Config) Quorum() int {
	return len(c.Safekeepers)/2 + 1
}

func parseHexUUID(s string) (wire.UUID, error) {
	var u wire.UUID
	s = strings.TrimSpace(s)
	if len(s) != 32 {
		return u, fmt.Errorf("expected 32 hex characters, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, err
	}
	copy(u[:], b)
	return u, nil
}

func parseSafekeepersList(s string) ([]Safekeeper, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("empty safekeepers_list")
	}
	parts := strings.Split(s, ",")
	if len(parts) > wire.MaxSafekeepers {
		return nil, fmt.Errorf("at most %d safekeepers, got %d", wire.MaxSafekeepers, len(parts))
	}
	sks := make([]Safekeeper, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		hostPort := strings.Split(part, ":")
		if len(hostPort) != 2 || hostPort[1] == "" {
			return nil, fmt.Errorf("missing port in %q", part)
		}
		port, err := strconv.Atoi(hostPort[1])
		if err != nil {
			return nil, fmt.Errorf("bad port in %q: %w", part, err)
		}
		sks = append(sks, Safekeeper{Host: hostPort[0], Port: port})
	}
	return sks, nil
}

// ConnString renders the libpq-style replication connection string
// (§6.1) for one safekeeper.
func ConnString(sk Safekeeper, timelineID, tenantID wire.UUID) string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=replication options='-c timeline_id=%s tenant_id=%s'",
		sk.Host, sk.Port, hex.EncodeToString(timelineID[:]), hex.EncodeToString(tenantID[:]),
	)
}
