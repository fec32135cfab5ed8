// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides small aggregate/statistics queries used
// primarily for conditional responses (e.g., ETag generation) and the admin
// stats endpoint. Each function is context-aware and safe to call from
// services or handlers.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
)

// SubmissionsStats returns aggregate metadata for the ledger, optionally
// scoped to one form: the total number of rows and the maximum UpdatedAt
// timestamp among those rows.
//
// When the ledger is empty, the returned count is 0 and maxUpdatedAt is nil.
//
// Return values:
//   - count:        total submissions (for formID when non-empty)
//   - maxUpdatedAt: pointer to the greatest UpdatedAt, or nil if no rows
//   - err:          database error, if any
func SubmissionsStats(ctx context.Context, db *gorm.DB, formID string) (count int64, maxUpdatedAt *time.Time, err error) {
	q := db.WithContext(ctx).Model(&domain.Submission{})
	if formID != "" {
		q = q.Where("form_id = ?", formID)
	}

	// Count
	if err = q.Count(&count).Error; err != nil {
		return 0, nil, err
	}
	if count == 0 {
		return 0, nil, nil
	}

	// Get latest updated_at (avoid MAX() -> TEXT in SQLite)
	var row struct {
		UpdatedAt time.Time
	}
	if err = q.Select("updated_at").Order("updated_at DESC").Limit(1).Scan(&row).Error; err != nil {
		return 0, nil, err
	}
	return count, &row.UpdatedAt, nil
}

// ReconcileStats returns how many ledger rows carry a CRM lead id and how
// many also carry a contact id. The difference between count and withLead is
// the number of submissions that never completed a lead write.
func ReconcileStats(ctx context.Context, db *gorm.DB) (withLead, withContact int64, err error) {
	base := db.WithContext(ctx).Model(&domain.Submission{})

	if err = base.Session(&gorm.Session{}).Where("amo_lead_id IS NOT NULL").Count(&withLead).Error; err != nil {
		return 0, 0, err
	}
	if err = base.Session(&gorm.Session{}).Where("amo_contact_id IS NOT NULL").Count(&withContact).Error; err != nil {
		return 0, 0, err
	}
	return withLead, withContact, nil
}
