package db

import (
	"path/filepath"
	"testing"

	"llmchat/internal/models"
)

func TestConnect_UnsupportedDriver(t *testing.T) {
	if _, err := Connect("oracle", "whatever"); err == nil {
		t.Fatal("Connect() should reject unknown drivers")
	}
}

func TestConnectAndMigrate_SQLite(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "test.db")
	gdb, err := Connect("sqlite", dsn)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := Migrate(gdb); err != nil {
		t.Fatalf("Migrate() error = %v", err)
	}
	for _, m := range []any{&models.User{}, &models.Session{}, &models.Conversation{}, &models.Message{}} {
		if !gdb.Migrator().HasTable(m) {
			t.Errorf("table for %T missing after Migrate()", m)
		}
	}
	// Migrate must be idempotent across restarts.
	if err := Migrate(gdb); err != nil {
		t.Fatalf("second Migrate() error = %v", err)
	}
}

func TestConnectRedis_EmptyAddr(t *testing.T) {
	if _, err := ConnectRedis("", "", 0); err == nil {
		t.Fatal("ConnectRedis() should require an address")
	}
}

func TestSQLiteDSN(t *testing.T) {
	tests := []struct {
		dsn  string
		want string
	}{
		{"chat.db", "chat.db?_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"},
		{"file:chat.db?cache=shared", "file:chat.db?cache=shared&_txlock=immediate&_busy_timeout=5000&_journal_mode=WAL"},
		{"chat.db?_busy_timeout=100", "chat.db?_busy_timeout=100&_txlock=immediate&_journal_mode=WAL"},
		{"chat.db?_txlock=immediate&_busy_timeout=1&_journal_mode=DELETE", "chat.db?_txlock=immediate&_busy_timeout=1&_journal_mode=DELETE"},
	}
	for _, tt := range tests {
		if got := sqliteDSN(tt.dsn); got != tt.want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", tt.dsn, got, tt.want)
		}
	}
}
