package database

import (
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// setupTestDB creates an in-memory SQLite database for testing.
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&AuditEvent{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	return db
}

func TestInitAndClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.db")
	if err := Init(path); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if DB == nil {
		t.Fatal("DB not set")
	}
	if err := InsertAuditEvents(DB, []AuditEvent{{Type: "created", SessionID: "s1", CreatedAt: time.Now()}}); err != nil {
		t.Fatal(err)
	}
	if err := Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopening sees the persisted row.
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	events, err := ListAuditEvents(db, AuditFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 1 || events[0].SessionID != "s1" {
		t.Errorf("events = %+v", events)
	}
}

func TestListAuditEvents(t *testing.T) {
	db := setupTestDB(t)
	base := time.Now().Add(-time.Hour)
	events := []AuditEvent{
		{Type: "created", SessionID: "a", Owner: "alice", CreatedAt: base},
		{Type: "closed", SessionID: "a", Owner: "alice", ExitCode: 0, CreatedAt: base.Add(time.Minute)},
		{Type: "created", SessionID: "b", Owner: "bob", CreatedAt: base.Add(2 * time.Minute)},
	}
	if err := InsertAuditEvents(db, events); err != nil {
		t.Fatal(err)
	}

	got, err := ListAuditEvents(db, AuditFilter{SessionID: "a"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Type != "closed" {
		t.Errorf("session a events = %+v, want newest first", got)
	}

	got, _ = ListAuditEvents(db, AuditFilter{Owner: "bob"})
	if len(got) != 1 || got[0].SessionID != "b" {
		t.Errorf("bob events = %+v", got)
	}

	got, _ = ListAuditEvents(db, AuditFilter{Type: "created", Limit: 1})
	if len(got) != 1 || got[0].SessionID != "b" {
		t.Errorf("limited events = %+v", got)
	}
}

func TestPurgeAuditEvents(t *testing.T) {
	db := setupTestDB(t)
	now := time.Now()
	InsertAuditEvents(db, []AuditEvent{
		{Type: "created", SessionID: "old", CreatedAt: now.Add(-100 * 24 * time.Hour)},
		{Type: "created", SessionID: "new", CreatedAt: now},
	})

	n, err := PurgeAuditEvents(db, now.Add(-90*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("purged %d, want 1", n)
	}
	got, _ := ListAuditEvents(db, AuditFilter{})
	if len(got) != 1 || got[0].SessionID != "new" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestExitCodesPersist(t *testing.T) {
	db := setupTestDB(t)
	for _, code := range []int{0, -1, 3} {
		ev := AuditEvent{Type: "closed", SessionID: "x", ExitCode: code, CreatedAt: time.Now()}
		if err := db.Create(&ev).Error; err != nil {
			t.Fatal(err)
		}
		var loaded AuditEvent
		if err := db.First(&loaded, ev.ID).Error; err != nil {
			t.Fatal(err)
		}
		if loaded.ExitCode != code {
			t.Errorf("exit code = %d, want %d", loaded.ExitCode, code)
		}
	}
}
