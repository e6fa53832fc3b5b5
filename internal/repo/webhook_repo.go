// Package repo implements the durable pairing store on top of GORM. This file
// holds the WebhookOverride persistence functions.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/stickerhub/internal/domain"
)

// UpsertWebhookOverride stores url as the delivery override for hubID and
// returns the URL it replaced ("" when there was none).
func UpsertWebhookOverride(ctx context.Context, db *gorm.DB, hubID, url string, now time.Time) (string, error) {
	prev, err := GetWebhookOverride(ctx, db, hubID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return "", err
	}

	w := &domain.WebhookOverride{
		HubID:      hubID,
		WebhookURL: url,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	err = db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "hub_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"webhook_url", "updated_at"}),
	}).Create(w).Error
	if err != nil {
		return "", err
	}
	return prev, nil
}

// GetWebhookOverride returns the override URL for hubID, or ErrNotFound.
func GetWebhookOverride(ctx context.Context, db *gorm.DB, hubID string) (string, error) {
	var w domain.WebhookOverride
	if err := db.WithContext(ctx).Where("hub_id = ?", hubID).Take(&w).Error; err != nil {
		return "", err
	}
	return w.WebhookURL, nil
}

// DeleteWebhookOverride removes the override for hubID and reports whether a
// row existed.
func DeleteWebhookOverride(ctx context.Context, db *gorm.DB, hubID string) (bool, error) {
	res := db.WithContext(ctx).Where("hub_id = ?", hubID).Delete(&domain.WebhookOverride{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
