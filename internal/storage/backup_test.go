package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sandwichfarm/wotsync/internal/config"
)

func TestBackup(t *testing.T) {
	st := setupTestStorage(t)
	ctx := context.Background()

	if err := st.AdvanceSyncCursor(ctx, "alice", 1_700_000_000); err != nil {
		t.Fatalf("AdvanceSyncCursor() error = %v", err)
	}

	dest := filepath.Join(t.TempDir(), "backups", "state.db")
	size, err := st.Backup(ctx, dest)
	if err != nil {
		t.Fatalf("Backup() error = %v", err)
	}
	if size <= 0 {
		t.Errorf("Backup() size = %d, want > 0", size)
	}

	restored, err := New(ctx, &config.Storage{SQLitePath: dest})
	if err != nil {
		t.Fatalf("failed to open backup: %v", err)
	}
	defer restored.Close()

	got, err := restored.GetSyncCursor(ctx, "alice")
	if err != nil {
		t.Fatalf("GetSyncCursor() error = %v", err)
	}
	if got != 1_700_000_000 {
		t.Errorf("restored cursor = %d, want 1700000000", got)
	}
}

func TestBackupRefusesExistingFile(t *testing.T) {
	st := setupTestStorage(t)

	dest := filepath.Join(t.TempDir(), "exists.db")
	if err := os.WriteFile(dest, []byte("keep"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := st.Backup(context.Background(), dest); err == nil {
		t.Fatal("Backup() should refuse to overwrite an existing file")
	}
	body, _ := os.ReadFile(dest)
	if string(body) != "keep" {
		t.Errorf("existing file was modified: %q", body)
	}
}
