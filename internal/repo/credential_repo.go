// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides the credential store: a tiny key/value
// table holding the current amoCRM access and refresh tokens.
//
// The store deliberately tracks no expiry metadata. Token freshness is
// discovered reactively through 401 responses from the CRM, not proactively.
package repo

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
)

// GetCredential returns the stored value for key, or "" with ErrNotFound when
// the key has never been written.
func GetCredential(ctx context.Context, db *gorm.DB, key string) (string, error) {
	var c domain.Credential
	err := db.WithContext(ctx).
		Where("key = ?", key).
		First(&c).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	return c.Value, nil
}

// SetCredential overwrites the value for key wholesale (insert-or-update on
// the primary key). Concurrent refreshes may both land here; last write wins,
// which is safe because any freshly issued token pair is valid.
func SetCredential(ctx context.Context, db *gorm.DB, key, value string) error {
	c := domain.Credential{
		Key:       key,
		Value:     value,
		UpdatedAt: time.Now().UTC(),
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
		}).
		Create(&c).Error
}
