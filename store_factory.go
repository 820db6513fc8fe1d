package syncd

import (
	"fmt"
	"path/filepath"
	"strings"

	"pkt.systems/syncd/internal/pathutil"
	"pkt.systems/syncd/internal/storage"
	"pkt.systems/syncd/internal/storage/memory"
	"pkt.systems/syncd/internal/storage/sqlite"
)

// openBackend turns a store DSN into a live backend. Supported schemes:
//
//	mem://                         volatile in-memory store
//	sqlite:///var/lib/syncd/n.db   absolute database path
//	sqlite://data/n.db             path relative to the working directory
//	sqlite://:memory:              transient SQLite database (tests)
//
// sqlite paths pass through shell-style expansion, so sqlite://~/syncd/n.db
// and sqlite://$XDG_DATA_HOME/syncd/n.db both work.
func openBackend(cfg Config) (storage.Backend, error) {
	scheme, rest, found := strings.Cut(cfg.Store, "://")
	if !found {
		return nil, fmt.Errorf("parse store %q: missing scheme (expected mem:// or sqlite://path)", cfg.Store)
	}
	switch strings.ToLower(strings.TrimSpace(scheme)) {
	case "mem", "memory":
		return memory.New(), nil
	case "sqlite":
		dbPath, err := sqlitePath(rest)
		if err != nil {
			return nil, err
		}
		return sqlite.New(dbPath)
	default:
		return nil, fmt.Errorf("store scheme %q not supported", scheme)
	}
}

func sqlitePath(rest string) (string, error) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", fmt.Errorf("sqlite store path required (e.g. sqlite:///var/lib/syncd/nodes.db)")
	}
	if rest == ":memory:" {
		return rest, nil
	}
	expanded, err := pathutil.Expand(rest)
	if err != nil {
		return "", fmt.Errorf("expand sqlite path: %w", err)
	}
	return filepath.Clean(expanded), nil
}
