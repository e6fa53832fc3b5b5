// Package repo implements the durable pairing store on top of GORM. This file
// provides a small aggregate query used for conditional responses (ETag
// generation) on the delivery target endpoint.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/domain"
)

// HubStats returns the number of bindings held by hubID and the most recent
// change across those bindings and the hub's webhook override. When the hub
// has neither, count is 0 and lastChange is nil.
func HubStats(ctx context.Context, db *gorm.DB, hubID string) (count int64, lastChange *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.PlatformBinding{}).Where("hub_id = ?", hubID)
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}

	// Avoid MAX() -> TEXT in SQLite; pick the newest row instead.
	var row struct {
		UpdatedAt time.Time
	}
	if count > 0 {
		if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
			return 0, nil, err
		}
		ts := row.UpdatedAt
		lastChange = &ts
	}

	var hooks []domain.WebhookOverride
	if err = db.WithContext(ctx).Where("hub_id = ?", hubID).Limit(1).Find(&hooks).Error; err != nil {
		return 0, nil, err
	}
	if len(hooks) > 0 {
		count++
		if lastChange == nil || hooks[0].UpdatedAt.After(*lastChange) {
			ts := hooks[0].UpdatedAt
			lastChange = &ts
		}
	}
	return count, lastChange, nil
}
