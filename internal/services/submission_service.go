// Package services – SubmissionService
//
// This file implements the read-side service over the submission ledger used
// by the admin/audit API: paginated listing, single-record lookup by response
// token (including the stored raw payload), and aggregate stats.
package services

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/repo"
)

// SubmissionService provides read access to the ledger.
type SubmissionService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB
}

// LedgerStats aggregates ledger counters for the stats endpoint.
type LedgerStats struct {
	Total        int64      `json:"total"`
	WithLead     int64      `json:"with_lead"`
	WithContact  int64      `json:"with_contact"`
	LastActivity *time.Time `json:"last_activity,omitempty"`
}

// ListPage returns a page of ledger records, optionally scoped to one form.
// It applies defaults for invalid page/pageSize and returns the total count.
func (s *SubmissionService) ListPage(ctx context.Context, formID string, page, pageSize int) ([]domain.Submission, int64, error) {
	tr := otel.Tracer("services/SubmissionService")
	ctx, span := tr.Start(ctx, "ListPage",
		trace.WithAttributes(
			attribute.String("form.id", formID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountSubmissions(ctx, s.DB, formID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.Submission{}, 0, nil
	}

	items, err := repo.ListSubmissionsPage(ctx, s.DB, formID, offset, pageSize)
	return items, total, err
}

// Get returns the ledger record for a response token.
func (s *SubmissionService) Get(ctx context.Context, token string) (*domain.Submission, error) {
	tr := otel.Tracer("services/SubmissionService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("submission.token", token)),
	)
	defer span.End()

	sub, err := repo.FindSubmissionByToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) {
		return nil, ErrSubmissionNotFound
	}
	return sub, err
}

// PageStats returns the row count and newest update time for the (optionally
// form-scoped) ledger, used by the HTTP layer for ETag generation.
func (s *SubmissionService) PageStats(ctx context.Context, formID string) (int64, *time.Time, error) {
	return repo.SubmissionsStats(ctx, s.DB, formID)
}

// Stats returns aggregate ledger counters.
func (s *SubmissionService) Stats(ctx context.Context) (*LedgerStats, error) {
	tr := otel.Tracer("services/SubmissionService")
	ctx, span := tr.Start(ctx, "Stats")
	defer span.End()

	total, last, err := repo.SubmissionsStats(ctx, s.DB, "")
	if err != nil {
		return nil, err
	}
	withLead, withContact, err := repo.ReconcileStats(ctx, s.DB)
	if err != nil {
		return nil, err
	}
	return &LedgerStats{
		Total:        total,
		WithLead:     withLead,
		WithContact:  withContact,
		LastActivity: last,
	}, nil
}
