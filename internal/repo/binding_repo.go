// Package repo implements the durable pairing store on top of GORM. This file
// holds the PlatformBinding persistence functions.
//
// All functions are context-aware and accept a *gorm.DB handle, so callers
// can run them inside a transaction. They follow the "thin repository"
// approach: no business rules, only persistence and query composition. Rules
// such as "one account per (platform, hub)" live in services.BindingService,
// which composes these calls inside a single transaction.
//
// Error semantics:
//   - Missing rows are reported as ErrNotFound (an alias of
//     gorm.ErrRecordNotFound).
//   - Any other database error is propagated unchanged.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/stickerhub/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// ForceBindResult describes what a force-bind replaced.
type ForceBindResult struct {
	// PreviousHubID is the hub the account belonged to before, or "" if the
	// account was unbound.
	PreviousHubID string
	// EvictedUserID is the other account on the same platform that was removed
	// from the hub, or "" if there was none.
	EvictedUserID string
}

// GetHubID returns the hub a platform account is bound to, or ErrNotFound.
func GetHubID(ctx context.Context, db *gorm.DB, platform, platformUserID string) (string, error) {
	var b domain.PlatformBinding
	err := db.WithContext(ctx).
		Select("hub_id").
		Where("platform = ? AND platform_user_id = ?", platform, platformUserID).
		Take(&b).Error
	if err != nil {
		return "", err
	}
	return b.HubID, nil
}

// UpsertBinding binds (platform, platformUserID) to hubID, moving the account
// if it was bound elsewhere. CreatedAt is preserved on conflict.
func UpsertBinding(ctx context.Context, db *gorm.DB, platform, platformUserID, hubID string, now time.Time) error {
	b := &domain.PlatformBinding{
		Platform:       platform,
		PlatformUserID: platformUserID,
		HubID:          hubID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	return db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "platform"}, {Name: "platform_user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"hub_id", "updated_at"}),
	}).Create(b).Error
}

// ForceBind binds (platform, platformUserID) to hubID and evicts every other
// account of the same platform that is bound to hubID. It must be called
// inside a transaction to be atomic.
func ForceBind(ctx context.Context, db *gorm.DB, platform, platformUserID, hubID string, now time.Time) (ForceBindResult, error) {
	var res ForceBindResult

	prev, err := GetHubID(ctx, db, platform, platformUserID)
	switch {
	case err == nil:
		res.PreviousHubID = prev
	case err != ErrNotFound:
		return res, err
	}

	var evicted []string
	if err := db.WithContext(ctx).
		Model(&domain.PlatformBinding{}).
		Where("platform = ? AND hub_id = ? AND platform_user_id <> ?", platform, hubID, platformUserID).
		Order("platform_user_id").
		Pluck("platform_user_id", &evicted).Error; err != nil {
		return res, err
	}
	if len(evicted) > 0 {
		res.EvictedUserID = evicted[0]
		if err := db.WithContext(ctx).
			Where("platform = ? AND hub_id = ? AND platform_user_id <> ?", platform, hubID, platformUserID).
			Delete(&domain.PlatformBinding{}).Error; err != nil {
			return res, err
		}
	}

	if err := UpsertBinding(ctx, db, platform, platformUserID, hubID, now); err != nil {
		return res, err
	}
	return res, nil
}

// GetPlatformAccount returns the account bound to hubID on platform. If more
// than one row exists (only possible for data written outside the service
// layer) the most recently updated one wins.
func GetPlatformAccount(ctx context.Context, db *gorm.DB, platform, hubID string) (string, error) {
	var b domain.PlatformBinding
	err := db.WithContext(ctx).
		Where("platform = ? AND hub_id = ?", platform, hubID).
		Order("updated_at DESC").
		Take(&b).Error
	if err != nil {
		return "", err
	}
	return b.PlatformUserID, nil
}

// DeletePlatformBindingsForHub removes every binding of platform for hubID and
// returns the removed account IDs.
func DeletePlatformBindingsForHub(ctx context.Context, db *gorm.DB, platform, hubID string) ([]string, error) {
	var ids []string
	if err := db.WithContext(ctx).
		Model(&domain.PlatformBinding{}).
		Where("platform = ? AND hub_id = ?", platform, hubID).
		Order("platform_user_id").
		Pluck("platform_user_id", &ids).Error; err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if err := db.WithContext(ctx).
		Where("platform = ? AND hub_id = ?", platform, hubID).
		Delete(&domain.PlatformBinding{}).Error; err != nil {
		return nil, err
	}
	return ids, nil
}

// ListHubBindings returns every binding of hubID ordered by platform.
func ListHubBindings(ctx context.Context, db *gorm.DB, hubID string) ([]domain.PlatformBinding, error) {
	var out []domain.PlatformBinding
	err := db.WithContext(ctx).
		Where("hub_id = ?", hubID).
		Order("platform ASC, updated_at DESC").
		Find(&out).Error
	return out, err
}
