package main

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/anaemia-care/fieldsync/internal/api"
	"github.com/anaemia-care/fieldsync/internal/config"
	"github.com/anaemia-care/fieldsync/internal/gateway"
	"github.com/anaemia-care/fieldsync/internal/local/db"
)

// execute runs the root command with args against a throwaway data directory.
func execute(t *testing.T, dir string, args ...string) error {
	t.Helper()
	full := append([]string{
		"--config", filepath.Join(dir, "config.toml"),
		"--db", filepath.Join(dir, "fieldsync.db"),
	}, args...)
	rootCmd.SetArgs(full)
	return rootCmd.ExecuteContext(context.Background())
}

func setupDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	if err := config.WriteDefaults(filepath.Join(dir, "config.toml"), false); err != nil {
		t.Fatalf("WriteDefaults: %v", err)
	}
	t.Setenv("FIELDSYNC_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("FIELDSYNC_LOG_LEVEL", "error")
	t.Setenv("FIELDSYNC_REACHABILITY_PROBE_TIMEOUT", "1s")
	return dir
}

func TestRegisterOfflineThenSync(t *testing.T) {
	dir := setupDir(t)

	repo := api.NewMemoryRepository()
	srv := httptest.NewServer(api.NewHandler(repo, api.Config{}, nil).Routes())
	defer srv.Close()

	down := httptest.NewServer(nil)
	downURL := down.URL
	down.Close()

	err := execute(t, dir, "--api", downURL, "register",
		"--name", "Sunita Devi", "--age", "24", "--gender", "F",
		"--category", "pregnant_woman", "--phone", "9876543210")
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	local, err := db.Open(filepath.Join(dir, "fieldsync.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	pending, err := local.CountPendingBeneficiaries(context.Background())
	local.Close()
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if pending != 1 {
		t.Fatalf("expected 1 unsynced beneficiary, got %d", pending)
	}

	if err := execute(t, dir, "--api", srv.URL, "sync"); err != nil {
		t.Fatalf("sync: %v", err)
	}

	list, err := repo.ListBeneficiaries(context.Background(), gateway.Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].Name != "Sunita Devi" {
		t.Fatalf("expected Sunita Devi on the server, got %+v", list)
	}

	if err := execute(t, dir, "--api", srv.URL, "status"); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestRegisterRejectsInvalidPhone(t *testing.T) {
	dir := setupDir(t)

	down := httptest.NewServer(nil)
	downURL := down.URL
	down.Close()

	err := execute(t, dir, "--api", downURL, "register",
		"--name", "Ravi", "--age", "3", "--category", "child_6_59m", "--phone", "12")
	if err == nil {
		t.Fatal("expected an error for a short phone number")
	}
}

func TestParseDay(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Time
		wantErr bool
	}{
		{in: "2026-03-01", want: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{in: "2026-03-01T10:30:00+05:30", want: time.Date(2026, 3, 1, 5, 0, 0, 0, time.UTC)},
		{in: "01/03/2026", wantErr: true},
	}
	for _, tt := range tests {
		got, err := parseDay(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("parseDay(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseDay(%q): %v", tt.in, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("parseDay(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("haemoglobin", 5); got != "haem…" {
		t.Errorf("truncate = %q", got)
	}
	if got := truncate("hb", 5); got != "hb" {
		t.Errorf("truncate = %q", got)
	}
}

func TestIsSecret(t *testing.T) {
	for _, k := range []string{"api.token", "server.postgres_dsn"} {
		if !isSecret(k) {
			t.Errorf("%s should be masked", k)
		}
	}
	if isSecret("api.base_url") {
		t.Error("api.base_url should not be masked")
	}
}
