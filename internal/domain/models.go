// Package domain defines the persistence models for cross-platform identity
// bindings, one-time pairing codes, and webhook delivery overrides, together
// with the media asset types that flow through the relay. The persisted types
// are mapped with GORM and form the core data layer of StickerHub.
package domain

import "time"

// Platform names understood by the binding layer.
const (
	PlatformTelegram = "telegram"
	PlatformFeishu   = "feishu"
)

// PlatformBinding maps one platform account onto a hub (the cross-platform
// identity anchor). The primary key (platform, platform_user_id) guarantees an
// account belongs to exactly one hub; the service layer additionally keeps at
// most one row per (platform, hub_id).
//
// Fields:
//   - Platform / PlatformUserID: composite primary key.
//   - HubID: opaque hub token (32 hex chars); indexed together with Platform
//     for "who is bound to this hub on platform X" lookups.
//   - CreatedAt / UpdatedAt: timestamps; UpdatedAt moves on every rebind.
type PlatformBinding struct {
	Platform       string    `json:"platform"         gorm:"type:varchar(32);primaryKey;index:idx_platform_bindings_hub,priority:1"`
	PlatformUserID string    `json:"platform_user_id" gorm:"column:platform_user_id;type:varchar(128);primaryKey"`
	HubID          string    `json:"hub_id"           gorm:"type:varchar(64);not null;index:idx_platform_bindings_hub,priority:2"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// TableName returns the database table name for PlatformBinding.
func (PlatformBinding) TableName() string { return "platform_bindings" }

// PairingCode is a short-lived, single-use token that links a second platform
// account into the hub that issued it. Codes are never recycled: a consumed or
// expired row stays in place so the same code cannot be minted again.
type PairingCode struct {
	Code      string     `json:"code"       gorm:"type:varchar(16);primaryKey"`
	HubID     string     `json:"hub_id"     gorm:"type:varchar(64);not null;index"`
	ExpiresAt time.Time  `json:"expires_at" gorm:"not null"`
	Used      bool       `json:"used"       gorm:"not null;default:false"`
	CreatedAt time.Time  `json:"created_at"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
}

// TableName returns the database table name for PairingCode.
func (PairingCode) TableName() string { return "pairing_codes" }

// Expired reports whether the code can no longer be consumed at now.
// A code is still valid at exactly its expiry instant.
func (p PairingCode) Expired(now time.Time) bool { return p.ExpiresAt.Before(now) }

// WebhookOverride is an alternate delivery target for a hub's target-platform
// side. When present it takes priority over any direct binding row.
type WebhookOverride struct {
	HubID      string    `json:"hub_id"      gorm:"type:varchar(64);primaryKey"`
	WebhookURL string    `json:"webhook_url" gorm:"type:text;not null"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// TableName returns the database table name for WebhookOverride.
func (WebhookOverride) TableName() string { return "webhook_overrides" }
