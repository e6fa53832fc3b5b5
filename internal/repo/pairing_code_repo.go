// Package repo implements the durable pairing store on top of GORM. This file
// holds the PairingCode persistence functions.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/stickerhub/internal/domain"
)

// ErrDuplicate indicates a unique-key violation (an existing pairing code or
// idempotency record).
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a unique-key violation.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CreatePairingCode inserts a fresh, unused code for hubID. It returns
// ErrDuplicate if the code already exists, whatever its state; codes are never
// recycled.
func CreatePairingCode(ctx context.Context, db *gorm.DB, code, hubID string, now time.Time, ttl time.Duration) (*domain.PairingCode, error) {
	pc := &domain.PairingCode{
		Code:      code,
		HubID:     hubID,
		ExpiresAt: now.Add(ttl),
		Used:      false,
		CreatedAt: now,
	}
	if err := db.WithContext(ctx).Create(pc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return pc, nil
}

// GetPairingCode fetches a code by its exact (already normalized) value.
func GetPairingCode(ctx context.Context, db *gorm.DB, code string) (*domain.PairingCode, error) {
	var pc domain.PairingCode
	if err := db.WithContext(ctx).Where("code = ?", code).Take(&pc).Error; err != nil {
		return nil, err
	}
	return &pc, nil
}

// MarkPairingCodeUsed flips used from false to true. It returns ErrNotFound
// when no unused row matched, so a second consumer inside a racing
// transaction can never mark the same code twice.
func MarkPairingCodeUsed(ctx context.Context, db *gorm.DB, code string, now time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.PairingCode{}).
		Where("code = ? AND used = ?", code, false).
		Updates(map[string]any{"used": true, "used_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
