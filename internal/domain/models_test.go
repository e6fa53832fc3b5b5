package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestTableNames(t *testing.T) {
	cases := map[string]string{
		PlatformBinding{}.TableName(): "platform_bindings",
		PairingCode{}.TableName():     "pairing_codes",
		WebhookOverride{}.TableName(): "webhook_overrides",
		Idempotency{}.TableName():     "idempotency",
	}
	for got, want := range cases {
		if got != want {
			t.Errorf("table name = %q; want %q", got, want)
		}
	}
}

func TestPairingCode_Expired(t *testing.T) {
	exp := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	p := PairingCode{ExpiresAt: exp}

	if p.Expired(exp.Add(-time.Second)) {
		t.Fatalf("code must be valid before expiry")
	}
	if p.Expired(exp) {
		t.Fatalf("code must still be valid at the expiry instant")
	}
	if !p.Expired(exp.Add(time.Second)) {
		t.Fatalf("code must be expired after expiry")
	}
}

func TestMigrations_PrimaryKeysAndHubIndex(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&PlatformBinding{}, &PairingCode{}, &WebhookOverride{}, &Idempotency{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}

	m := db.Migrator()
	if !m.HasIndex(&PlatformBinding{}, "idx_platform_bindings_hub") {
		t.Fatalf("expected idx_platform_bindings_hub")
	}
	if !m.HasIndex(&Idempotency{}, "ux_account_scope_key") {
		t.Fatalf("expected ux_account_scope_key")
	}

	now := time.Now().UTC()
	b := PlatformBinding{Platform: PlatformTelegram, PlatformUserID: "t1", HubID: "h1", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&b).Error; err != nil {
		t.Fatalf("insert binding: %v", err)
	}
	// Same (platform, account) must violate the composite primary key.
	dup := PlatformBinding{Platform: PlatformTelegram, PlatformUserID: "t1", HubID: "h2", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected primary key violation for duplicate (platform, platform_user_id)")
	}
	// Same account id on another platform is a different row.
	other := PlatformBinding{Platform: PlatformFeishu, PlatformUserID: "t1", HubID: "h1", CreatedAt: now, UpdatedAt: now}
	if err := db.Create(&other).Error; err != nil {
		t.Fatalf("insert binding on other platform: %v", err)
	}

	code := PairingCode{Code: "AB12CD34", HubID: "h1", ExpiresAt: now.Add(time.Minute), CreatedAt: now}
	if err := db.Create(&code).Error; err != nil {
		t.Fatalf("insert code: %v", err)
	}
	var got PairingCode
	if err := db.First(&got, "code = ?", "AB12CD34").Error; err != nil {
		t.Fatalf("load code: %v", err)
	}
	if got.Used || got.UsedAt != nil {
		t.Fatalf("fresh code must be unused: %+v", got)
	}
}
