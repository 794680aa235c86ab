package service

import (
	"path/filepath"
	"testing"

	"llmchat/internal/config"
	"llmchat/internal/db"

	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := db.Connect("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := db.Migrate(gdb); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

func testConfig() config.Config {
	return config.Config{
		Env:              "test",
		SecretKey:        "test-secret",
		SessionTTLHours:  1,
		BcryptCost:       bcrypt.MinCost,
		DefaultModel:     "phi3:latest",
		AllowedModels:    []string{"phi3:latest", "deepseek-r1:1.5b", "llama3:latest"},
		MaxMessageLength: 1000,
		HistoryWindow:    10,
	}
}
