package database

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/flowpbx/flowdial/internal/database/models"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenAndMigrate(t *testing.T) {
	dir := t.TempDir()

	db, err := Open(dir)
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer db.Close()

	dbPath := filepath.Join(dir, "flowdial.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Fatal("database file was not created")
	}
	if db.Path() != dbPath {
		t.Errorf("Path() = %q, want %q", db.Path(), dbPath)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("querying journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("journal_mode = %q, want wal", journalMode)
	}

	tables := []string{
		"schema_migrations", "settings", "blocked_numbers",
		"call_log", "devices", "push_tokens",
	}
	for _, table := range tables {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&count)
		if err != nil {
			t.Errorf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found", table)
		}
	}

	var migrationCount int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&migrationCount); err != nil {
		t.Fatalf("counting migrations: %v", err)
	}
	if migrationCount != 2 {
		t.Errorf("migration count = %d, want 2", migrationCount)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	db1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open() error: %v", err)
	}
	db1.Close()

	db2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open() error: %v", err)
	}
	defer db2.Close()

	if n, err := db2.migrate(); err != nil || n != 0 {
		t.Errorf("re-running migrate applied %d (err %v), want 0", n, err)
	}
}

func TestSettingsRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewSettingsRepository(db)

	if v, err := repo.Get(ctx, SettingJWTSecret); err != nil || v != "" {
		t.Fatalf("Get(unset) = %q, %v; want empty", v, err)
	}
	// The miss is remembered; a write must still be visible afterwards.
	if err := repo.Set(ctx, SettingJWTSecret, "abc"); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := repo.Set(ctx, SettingJWTSecret, "def"); err != nil {
		t.Fatalf("Set() overwrite error: %v", err)
	}
	if v, _ := repo.Get(ctx, SettingJWTSecret); v != "def" {
		t.Errorf("Get() = %q, want def", v)
	}

	fresh := NewSettingsRepository(db)
	if v, err := fresh.Get(ctx, SettingJWTSecret); err != nil || v != "def" {
		t.Errorf("fresh Get() = %q, %v; want def", v, err)
	}

	var rows int
	if err := db.QueryRow(`SELECT COUNT(*) FROM settings`).Scan(&rows); err != nil {
		t.Fatal(err)
	}
	if rows != 1 {
		t.Errorf("settings rows = %d, want 1", rows)
	}
}

func TestBlockedNumberRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewBlockedNumberRepository(db)

	b := &models.BlockedNumber{Number: "+1 (555) 123-4567", Normalized: "5551234567", Label: "spam"}
	if err := repo.Create(ctx, b); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if b.ID == 0 {
		t.Error("Create() did not set ID")
	}

	// Same normalized number updates the label and keeps the row.
	dup := &models.BlockedNumber{Number: "5551234567", Normalized: "5551234567", Label: "telemarketer"}
	if err := repo.Create(ctx, dup); err != nil {
		t.Fatalf("Create() duplicate error: %v", err)
	}
	if dup.ID != b.ID {
		t.Errorf("duplicate ID = %d, want %d", dup.ID, b.ID)
	}

	ok, err := repo.ExistsNormalized(ctx, "5551234567")
	if err != nil {
		t.Fatalf("ExistsNormalized() error: %v", err)
	}
	if !ok {
		t.Error("ExistsNormalized() = false, want true")
	}
	if ok, _ := repo.ExistsNormalized(ctx, "5550000000"); ok {
		t.Error("ExistsNormalized(unknown) = true, want false")
	}

	list, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(list) != 1 || list[0].Label != "telemarketer" {
		t.Errorf("List() = %+v, want one entry labelled telemarketer", list)
	}
	if n, _ := repo.Count(ctx); n != 1 {
		t.Errorf("Count() = %d, want 1", n)
	}

	if err := repo.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if err := repo.Delete(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second Delete() error = %v, want ErrNotFound", err)
	}
}

func TestCallLogRepository(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	repo := NewCallLogRepository(db)

	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := []models.CallLogEntry{
		{CallID: "a", Direction: models.DirectionIncoming, Number: "+15550001", Disposition: models.DispositionMissed, StartTime: start},
		{CallID: "b", Direction: models.DirectionOutgoing, Number: "+15550002", Disposition: models.DispositionAnswered, StartTime: start.Add(time.Hour)},
		{CallID: "c", Direction: models.DirectionIncoming, Number: "+15550003", DisplayName: "Alice", Disposition: models.DispositionAnswered, StartTime: start.Add(2 * time.Hour)},
	}
	for i := range entries {
		if err := repo.Create(ctx, &entries[i]); err != nil {
			t.Fatalf("Create(%s) error: %v", entries[i].CallID, err)
		}
	}

	got, err := repo.GetByCallID(ctx, "b")
	if err != nil {
		t.Fatalf("GetByCallID() error: %v", err)
	}
	end := start.Add(time.Hour + 90*time.Second)
	dur := 90
	got.EndTime = &end
	got.Duration = &dur
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error: %v", err)
	}
	got, _ = repo.GetByCallID(ctx, "b")
	if got.Duration == nil || *got.Duration != 90 {
		t.Errorf("Duration after update = %v, want 90", got.Duration)
	}

	if _, err := repo.GetByCallID(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByCallID(missing) error = %v, want ErrNotFound", err)
	}

	list, total, err := repo.List(ctx, CallLogFilter{Direction: models.DirectionIncoming})
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if total != 2 || len(list) != 2 {
		t.Fatalf("List(incoming) total=%d len=%d, want 2", total, len(list))
	}
	if list[0].CallID != "c" {
		t.Errorf("List() first = %q, want newest c", list[0].CallID)
	}

	list, total, _ = repo.List(ctx, CallLogFilter{Search: "Alice"})
	if total != 1 || list[0].CallID != "c" {
		t.Errorf("List(search Alice) = %+v", list)
	}

	counts, err := repo.CountByDisposition(ctx)
	if err != nil {
		t.Fatalf("CountByDisposition() error: %v", err)
	}
	if counts[models.DispositionAnswered] != 2 || counts[models.DispositionMissed] != 1 {
		t.Errorf("CountByDisposition() = %v", counts)
	}

	removed, err := repo.DeleteBefore(ctx, start.Add(30*time.Minute))
	if err != nil {
		t.Fatalf("DeleteBefore() error: %v", err)
	}
	if removed != 1 {
		t.Errorf("DeleteBefore() removed %d, want 1", removed)
	}
}

func TestDeviceAndPushTokenRepositories(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	devices := NewDeviceRepository(db)
	tokens := NewPushTokenRepository(db)

	for _, id := range []string{"dev-1", "dev-2"} {
		if err := devices.Create(ctx, &models.Device{ID: id, Name: "Phone " + id, Platform: "android"}); err != nil {
			t.Fatalf("Create(%s) error: %v", id, err)
		}
	}

	if _, err := devices.GetByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(nope) error = %v, want ErrNotFound", err)
	}
	if err := devices.Touch(ctx, "dev-1"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	d, err := devices.GetByID(ctx, "dev-1")
	if err != nil {
		t.Fatalf("GetByID() error: %v", err)
	}
	if d.LastSeenAt == nil {
		t.Error("LastSeenAt not set after Touch")
	}

	regs := []*models.PushToken{
		{DeviceID: "dev-1", Token: "tok-1", Platform: "android"},
		{DeviceID: "dev-2", Token: "tok-2", Platform: "android"},
		{DeviceID: "dev-1", Token: "tok-1b", Platform: "android"},
	}
	for _, tok := range regs {
		if err := tokens.Upsert(ctx, tok); err != nil {
			t.Fatalf("Upsert(%s) error: %v", tok.Token, err)
		}
		if tok.ID == 0 {
			t.Fatalf("Upsert(%s) left ID unset", tok.Token)
		}
	}
	if regs[0].ID != regs[2].ID {
		t.Errorf("re-registration changed row ID %d -> %d", regs[0].ID, regs[2].ID)
	}

	active, err := tokens.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive() error: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("ListActive() = %d tokens, want 2", len(active))
	}

	if err := devices.Revoke(ctx, "dev-2"); err != nil {
		t.Fatalf("Revoke() error: %v", err)
	}
	active, _ = tokens.ListActive(ctx)
	if len(active) != 1 || active[0].Token != "tok-1b" {
		t.Errorf("ListActive() after revoke = %+v, want only tok-1b", active)
	}

	if err := tokens.DeleteByToken(ctx, "tok-1b"); err != nil {
		t.Fatalf("DeleteByToken() error: %v", err)
	}
	active, _ = tokens.ListActive(ctx)
	if len(active) != 0 {
		t.Errorf("ListActive() after delete = %d, want 0", len(active))
	}

	if err := devices.Create(ctx, &models.Device{ID: "dev-3", Name: "Tablet", Platform: "ios"}); err != nil {
		t.Fatal(err)
	}
	if err := tokens.Upsert(ctx, &models.PushToken{DeviceID: "dev-3", Token: "tok-3", Platform: "ios"}); err != nil {
		t.Fatal(err)
	}
	if err := tokens.DeleteByDevice(ctx, "dev-3"); err != nil {
		t.Fatalf("DeleteByDevice() error: %v", err)
	}
	if active, _ = tokens.ListActive(ctx); len(active) != 0 {
		t.Errorf("ListActive() after DeleteByDevice = %+v", active)
	}
}

func TestHashSecret(t *testing.T) {
	hash, err := HashSecret("4821")
	if err != nil {
		t.Fatalf("HashSecret() error: %v", err)
	}
	if !strings.HasPrefix(hash, "$argon2id$") {
		t.Errorf("hash should start with $argon2id$, got %q", hash)
	}

	ok, err := CheckSecret("4821", hash)
	if err != nil || !ok {
		t.Errorf("CheckSecret(correct) = %v, %v; want true", ok, err)
	}
	ok, err = CheckSecret("0000", hash)
	if err != nil || ok {
		t.Errorf("CheckSecret(wrong) = %v, %v; want false", ok, err)
	}

	other, _ := HashSecret("4821")
	if other == hash {
		t.Error("hashes of the same secret should use distinct salts")
	}

	if _, err := CheckSecret("4821", "not-a-hash"); err == nil {
		t.Error("CheckSecret(malformed) should fail")
	}
}
