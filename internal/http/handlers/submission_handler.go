// Submission (admin/audit) HTTP handlers.
//
// This file exposes read-only REST endpoints over the submission ledger:
//   - GET /submissions          (list, paginated, ETag support)
//   - GET /submissions/{token}  (single record, includes stored CRM ids)
//   - GET /stats                (aggregate ledger counters)
//
// Handlers are transport-thin: they validate & normalize inputs, delegate to
// SubmissionService, and implement conditional responses (ETag) for cheap
// polling by dashboards.
package handlers

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/services"
	"github.com/tbourn/go-form-crm-bridge/internal/utils"
)

//
// DTOs
//

// Pagination is the standard pagination metadata envelope.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

// ListSubmissionsResponse wraps a page of ledger records and pagination
// information.
type ListSubmissionsResponse struct {
	Submissions []domain.Submission `json:"submissions"`
	Pagination  Pagination          `json:"pagination"`
}

// SubmissionResponse wraps a single ledger record together with its stored
// raw payload for audit/replay.
type SubmissionResponse struct {
	Submission *domain.Submission `json:"submission"`
	Payload    string             `json:"payload,omitempty"`
}

//
// Helpers
//

// clampPagination parses page/page_size from query parameters, applies sane
// defaults and caps, and returns the validated (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// ListSubmissions returns a page of ledger records, optionally scoped to one
// form via ?form_id=. Supports weak ETag via If-None-Match and may return 304.
func (h *Handlers) ListSubmissions(c *gin.Context) {
	ctx := c.Request.Context()
	formID := strings.TrimSpace(c.Query("form_id"))

	// ETag pre-check (best effort).
	if count, maxTS, err := h.subs.PageStats(ctx, formID); err == nil {
		var ts int64
		if maxTS != nil {
			ts = maxTS.Unix()
		}
		etag := fmt.Sprintf(`W/"submissions:%s:%d:%d"`, formID, count, ts)
		c.Header("ETag", etag)
		if inm := c.GetHeader("If-None-Match"); inm != "" && inm == etag {
			c.Status(http.StatusNotModified)
			return
		}
	}

	page, pageSize := clampPagination(c)

	items, total, err := h.subs.ListPage(ctx, formID, page, pageSize)
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeListFailed, err.Error())
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, ListSubmissionsResponse{
		Submissions: items,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// GetSubmission returns one ledger record by response token, including the
// stored raw payload.
func (h *Handlers) GetSubmission(c *gin.Context) {
	token := strings.TrimSpace(c.Param("token"))
	if token == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "token must not be empty")
		return
	}

	sub, err := h.subs.Get(c.Request.Context(), token)
	if err != nil {
		switch err {
		case services.ErrSubmissionNotFound:
			fail(c, http.StatusNotFound, ErrCodeNotFound, "submission not found")
		default:
			fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		}
		return
	}

	ok(c, http.StatusOK, SubmissionResponse{Submission: sub, Payload: sub.LastPayload})
}

// GetStats returns aggregate ledger counters.
func (h *Handlers) GetStats(c *gin.Context) {
	stats, err := h.subs.Stats(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, ErrCodeInternal, err.Error())
		return
	}
	ok(c, http.StatusOK, stats)
}
