// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the Submission
// ledger.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition. The one exception is UpsertSubmission,
// whose merge policy is part of the ledger's contract (optional fields are
// never erased by a delivery that lacks them).
//
// Error semantics:
//   - When a submission is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - On DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// SubmissionUpdate carries the fields of one webhook delivery to merge into
// the ledger. Zero values mean "not supplied by this delivery":
//
//   - FormID and Payload are always written.
//   - LandingID, EventID, EventType are written only when non-empty.
//   - SubmittedAt, AmoLeadID, AmoContactID are written only when non-nil,
//     so previously learned values (in particular CRM ids) are never erased.
type SubmissionUpdate struct {
	FormID       string
	LandingID    string
	SubmittedAt  *time.Time
	EventID      string
	EventType    string
	AmoLeadID    *int
	AmoContactID *int
	Payload      string
}

// FindSubmissionByToken fetches the ledger record for a response token, or
// ErrNotFound. This is the primary dedup lookup.
func FindSubmissionByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Submission, error) {
	var s domain.Submission
	err := db.WithContext(ctx).
		Where("response_token = ?", token).
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// FindLatestByFormAndLanding returns the most recently updated submission for
// (formID, landingID), or ErrNotFound. It is the fallback lookup for unseen
// tokens from a landing session that may have produced an earlier partial
// submission (multi-step forms).
//
// Known trade-off: when a landing page is reused by genuinely different
// people without a stable token, this can attach a new submission to an
// unrelated prior record. The behavior is intentional and matches the
// upstream contract; do not "fix" it here.
func FindLatestByFormAndLanding(ctx context.Context, db *gorm.DB, formID, landingID string) (*domain.Submission, error) {
	if strings.TrimSpace(landingID) == "" {
		return nil, ErrNotFound
	}
	var s domain.Submission
	err := db.WithContext(ctx).
		Where("form_id = ? AND landing_id = ?", formID, landingID).
		Order("updated_at desc").
		First(&s).Error
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSubmission inserts a new ledger record for token or merges upd into
// the existing one, applying the merge policy documented on SubmissionUpdate.
//
// Two concurrent deliveries for the same unseen token may both attempt the
// insert; the loser of that race hits the unique index on response_token and
// falls back to the merge path, so the ledger never grows a duplicate row.
func UpsertSubmission(ctx context.Context, db *gorm.DB, token string, upd SubmissionUpdate) (*domain.Submission, error) {
	existing, err := FindSubmissionByToken(ctx, db, token)
	switch {
	case err == nil:
		return mergeSubmission(ctx, db, existing, upd)
	case errors.Is(err, gorm.ErrRecordNotFound):
		// fall through to insert
	default:
		return nil, err
	}

	s := &domain.Submission{
		ID:            uuid.NewString(),
		ResponseToken: token,
		FormID:        upd.FormID,
		LandingID:     upd.LandingID,
		SubmittedAt:   upd.SubmittedAt,
		LastEventID:   upd.EventID,
		LastEventType: upd.EventType,
		AmoLeadID:     upd.AmoLeadID,
		AmoContactID:  upd.AmoContactID,
		LastPayload:   upd.Payload,
		CreatedAt:     time.Now().UTC(),
	}
	if err := db.WithContext(ctx).Create(s).Error; err != nil {
		if isUniqueViolation(err) {
			// Lost the insert race; the row exists now, merge into it.
			existing, ferr := FindSubmissionByToken(ctx, db, token)
			if ferr != nil {
				return nil, ferr
			}
			return mergeSubmission(ctx, db, existing, upd)
		}
		return nil, err
	}
	return s, nil
}

// mergeSubmission applies upd to an existing row in place.
func mergeSubmission(ctx context.Context, db *gorm.DB, s *domain.Submission, upd SubmissionUpdate) (*domain.Submission, error) {
	if upd.FormID != "" {
		s.FormID = upd.FormID
	}
	if upd.LandingID != "" {
		s.LandingID = upd.LandingID
	}
	if upd.SubmittedAt != nil {
		s.SubmittedAt = upd.SubmittedAt
	}
	if upd.EventID != "" {
		s.LastEventID = upd.EventID
	}
	if upd.EventType != "" {
		s.LastEventType = upd.EventType
	}
	if upd.AmoLeadID != nil {
		s.AmoLeadID = upd.AmoLeadID
	}
	if upd.AmoContactID != nil {
		s.AmoContactID = upd.AmoContactID
	}
	s.LastPayload = upd.Payload

	if err := db.WithContext(ctx).Save(s).Error; err != nil {
		return nil, err
	}
	return s, nil
}

// isUniqueViolation detects a unique-index conflict from the pure-Go SQLite
// driver, which often reports them as plain-text errors.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// CountSubmissions returns the total number of ledger records, optionally
// scoped to one form. On DB error, it returns the error.
func CountSubmissions(ctx context.Context, db *gorm.DB, formID string) (int64, error) {
	q := db.WithContext(ctx).Model(&domain.Submission{})
	if formID != "" {
		q = q.Where("form_id = ?", formID)
	}
	var total int64
	err := q.Count(&total).Error
	return total, err
}

// ListSubmissionsPage returns a paginated slice of ledger records ordered by
// update time descending, optionally scoped to one form. Use CountSubmissions
// to obtain the total for pagination metadata.
//
// The caller is responsible for computing offset and limit (e.g., (page-1)*pageSize).
func ListSubmissionsPage(ctx context.Context, db *gorm.DB, formID string, offset, limit int) ([]domain.Submission, error) {
	q := db.WithContext(ctx).Model(&domain.Submission{})
	if formID != "" {
		q = q.Where("form_id = ?", formID)
	}
	var out []domain.Submission
	err := q.Order("updated_at desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}
