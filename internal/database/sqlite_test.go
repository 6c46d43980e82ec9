package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/lifedash/backend/internal/mal"
	"go.uber.org/zap"
)

func TestOpenSQLiteMigratesSchema(t *testing.T) {
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "schema_test.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	for _, table := range []string{"mal_accounts", "mal_tokens", "mal_watch_events", "mal_catalog_items", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("missing table %s", table)
		}
	}

	var applied int64
	if err := db.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied == 0 {
		t.Fatal("no migrations recorded")
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", zap.NewNop()); err == nil {
		t.Fatal("open succeeded without a path")
	}
}

func TestMigrationsApplyOnce(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen_test.db")

	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	account := mal.LinkedAccount{UserID: "user-1", Username: "  padded  ", LinkedAt: time.Now().UTC()}
	if err := db.Create(&account).Error; err != nil {
		t.Fatalf("seed account: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("unwrap db: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// The normalization migration already ran on the empty database, so a
	// reopen must not rewrite rows created afterwards.
	reopened, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	var stored mal.LinkedAccount
	if err := reopened.Where("user_id = ?", "user-1").Take(&stored).Error; err != nil {
		t.Fatalf("read account: %v", err)
	}
	if stored.Username != "  padded  " {
		t.Fatalf("username rewritten on reopen: %q", stored.Username)
	}

	var applied int64
	if err := reopened.Model(&migrationRecord{}).Count(&applied).Error; err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if applied != 1 {
		t.Fatalf("migration count after reopen: got %d, want 1", applied)
	}
}
