package main

import (
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
)

type migration struct {
	Version int64
	File    string
}

// discover lists the *.up.sql files in dir ordered by version. Down
// migrations are ignored; the ledger schema is only ever rolled forward.
func discover(dir string) ([]migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var out []migration
	seen := make(map[int64]string)
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".up.sql") {
			continue
		}
		v, err := versionFromFile(e.Name())
		if err != nil {
			return nil, fmt.Errorf("parse version from %s: %w", e.Name(), err)
		}
		if prev, dup := seen[v]; dup {
			return nil, fmt.Errorf("version %d used by both %s and %s", v, prev, e.Name())
		}
		seen[v] = e.Name()
		out = append(out, migration{Version: v, File: e.Name()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// pending returns the migrations that are not applied cleanly. state maps
// version to its dirty flag.
func pending(all []migration, state map[int64]bool) []migration {
	var out []migration
	for _, m := range all {
		if dirty, ok := state[m.Version]; ok && !dirty {
			continue
		}
		out = append(out, m)
	}
	return out
}

// versionFromFile extracts the leading integer from a migration filename:
// "001_audit_ledger.up.sql" gives 1.
func versionFromFile(filename string) (int64, error) {
	prefix, _, ok := strings.Cut(filename, "_")
	if !ok {
		return 0, fmt.Errorf("want NNN_name.up.sql")
	}
	return strconv.ParseInt(prefix, 10, 64)
}
