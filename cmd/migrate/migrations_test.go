package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestVersionFromFile(t *testing.T) {
	cases := []struct {
		name    string
		want    int64
		wantErr bool
	}{
		{"001_audit_ledger.up.sql", 1, false},
		{"012_archive_index.up.sql", 12, false},
		{"audit.up.sql", 0, true},
		{"x1_bad.up.sql", 0, true},
	}
	for _, tc := range cases {
		got, err := versionFromFile(tc.name)
		if (err != nil) != tc.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tc.name, err, tc.wantErr)
			continue
		}
		if got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func writeFiles(t *testing.T, names ...string) string {
	t.Helper()
	dir := t.TempDir()
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return dir
}

func TestDiscover(t *testing.T) {
	dir := writeFiles(t,
		"010_later.up.sql",
		"002_second.up.sql",
		"002_second.down.sql",
		"001_first.up.sql",
		"README.md",
	)
	got, err := discover(dir)
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("discover: got %d migrations, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Version != want[i] {
			t.Errorf("migration %d: got version %d, want %d", i, m.Version, want[i])
		}
	}
}

func TestDiscover_duplicateVersion(t *testing.T) {
	dir := writeFiles(t, "001_a.up.sql", "001_b.up.sql")
	if _, err := discover(dir); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestPending(t *testing.T) {
	all := []migration{{1, "001_a.up.sql"}, {2, "002_b.up.sql"}, {3, "003_c.up.sql"}}
	state := map[int64]bool{1: false, 2: true}

	got := pending(all, state)
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 3 {
		t.Errorf("pending: got %+v, want versions 2 (dirty) and 3", got)
	}
}
