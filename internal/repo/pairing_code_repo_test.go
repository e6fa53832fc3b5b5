package repo

import (
	"context"
	"testing"
	"time"
)

func TestCreatePairingCode_DuplicateIsNeverRecycled(t *testing.T) {
	db := newStoreDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	pc, err := CreatePairingCode(ctx, db, "AB12CD34", "h1", now, 10*time.Minute)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if pc.Used || !pc.ExpiresAt.Equal(now.Add(10*time.Minute)) {
		t.Fatalf("unexpected code: %+v", pc)
	}

	// Even after expiry the code value stays taken.
	later := now.Add(time.Hour)
	if _, err := CreatePairingCode(ctx, db, "AB12CD34", "h2", later, time.Minute); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestCreatePairingCode_Error_NoTable(t *testing.T) {
	db := newTestDB(t)
	_, err := CreatePairingCode(context.Background(), db, "X", "h", time.Now(), time.Minute)
	if err == nil || err == ErrDuplicate {
		t.Fatalf("expected raw db error, got %v", err)
	}
}

func TestGetPairingCode(t *testing.T) {
	db := newStoreDB(t)
	ctx := context.Background()
	if _, err := GetPairingCode(ctx, db, "NOPE"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	_, _ = CreatePairingCode(ctx, db, "C0FFEE00", "h1", time.Now().UTC(), time.Minute)
	pc, err := GetPairingCode(ctx, db, "C0FFEE00")
	if err != nil || pc.HubID != "h1" {
		t.Fatalf("pc=%+v err=%v", pc, err)
	}
}

func TestMarkPairingCodeUsed_OnlyOnce(t *testing.T) {
	db := newStoreDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	_, _ = CreatePairingCode(ctx, db, "DEADBEEF", "h1", now, time.Minute)

	if err := MarkPairingCodeUsed(ctx, db, "DEADBEEF", now); err != nil {
		t.Fatalf("first mark: %v", err)
	}
	if err := MarkPairingCodeUsed(ctx, db, "DEADBEEF", now); err != ErrNotFound {
		t.Fatalf("second mark should be ErrNotFound, got %v", err)
	}
	if err := MarkPairingCodeUsed(ctx, db, "MISSING0", now); err != ErrNotFound {
		t.Fatalf("missing code should be ErrNotFound, got %v", err)
	}

	pc, _ := GetPairingCode(ctx, db, "DEADBEEF")
	if !pc.Used || pc.UsedAt == nil {
		t.Fatalf("expected used with timestamp, got %+v", pc)
	}
}
