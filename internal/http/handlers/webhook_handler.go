// Webhook HTTP handler.
//
// This file exposes the inbound endpoint for Typeform deliveries:
//   - POST /webhooks/typeform
//
// The handler is transport-thin: it reads and parses the envelope, delegates
// to the reconciliation service, and maps service/CRM errors onto the
// standard error envelope. Signature verification happens upstream in
// middleware; dedup of redeliveries happens downstream in the service.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tbourn/go-form-crm-bridge/internal/amocrm"
	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/http/middleware"
	"github.com/tbourn/go-form-crm-bridge/internal/services"
	"github.com/tbourn/go-form-crm-bridge/internal/typeform"
)

//
// Service contracts (context-aware)
//

// Reconciler defines the reconciliation operation consumed by the webhook
// handler.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type Reconciler interface {
	// Process reconciles one webhook delivery onto the CRM.
	Process(ctx context.Context, rawPayload []byte, ev *typeform.Event) (*services.Result, error)
}

// SubmissionReader defines the ledger read operations consumed by the admin
// endpoints.
type SubmissionReader interface {
	// ListPage returns a page of ledger records and the total count.
	ListPage(ctx context.Context, formID string, page, pageSize int) ([]domain.Submission, int64, error)
	// Get returns the ledger record for a response token.
	Get(ctx context.Context, token string) (*domain.Submission, error)
	// PageStats returns row count and newest update time for ETag generation.
	PageStats(ctx context.Context, formID string) (int64, *time.Time, error)
	// Stats returns aggregate ledger counters.
	Stats(ctx context.Context) (*services.LedgerStats, error)
}

//
// Handler wiring
//

// Handlers groups the HTTP endpoints of the bridge. It depends on abstract
// service interfaces to keep transport concerns separate from business logic.
type Handlers struct {
	recon Reconciler
	subs  SubmissionReader
}

// New constructs and returns a Handlers instance bound to the given services.
func New(recon Reconciler, subs SubmissionReader) *Handlers {
	return &Handlers{recon: recon, subs: subs}
}

//
// DTOs
//

// WebhookResponse is the JSON envelope returned for an accepted delivery.
type WebhookResponse struct {
	// Result carries the CRM ids produced (or replayed) for this delivery.
	Result *services.Result `json:"result"`
}

//
// Handlers
//

// ReceiveWebhook accepts one Typeform delivery and reconciles it.
//
// Responses:
//   - 200 with the CRM ids (duplicate deliveries replay the stored ids)
//   - 400 on unparseable bodies or events missing token/form id
//   - 502 when the CRM rejects the reconciliation (auth or API failure)
//   - 500 on storage failures
func (h *Handlers) ReceiveWebhook(c *gin.Context) {
	raw, err := c.GetRawData()
	if err != nil || len(raw) == 0 {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "empty or unreadable body")
		return
	}

	ev, err := typeform.Parse(raw)
	if err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid webhook payload")
		return
	}

	res, err := h.recon.Process(c.Request.Context(), raw, ev)
	if err != nil {
		h.failWebhook(c, ev, err)
		return
	}

	if res.Duplicate {
		lg := middleware.LoggerFrom(c)
		lg.Info().
			Str("event_id", ev.EventID).
			Str("token", ev.Response.Token).
			Msg("duplicate delivery replayed from ledger")
	}
	ok(c, http.StatusOK, WebhookResponse{Result: res})
}

// failWebhook maps reconciliation errors onto HTTP results.
func (h *Handlers) failWebhook(c *gin.Context, ev *typeform.Event, err error) {
	var apiErr *amocrm.APIError

	switch {
	case errors.Is(err, services.ErrMalformedEvent):
		fail(c, http.StatusBadRequest, ErrCodeMalformedEvent, err.Error())

	case errors.Is(err, amocrm.ErrUnauthorized):
		fail(c, http.StatusBadGateway, ErrCodeCRMUnauthorized, "crm rejected credentials")

	case errors.Is(err, amocrm.ErrNoAccessToken), errors.Is(err, amocrm.ErrNoRefreshToken):
		// Configuration error: retrying the delivery cannot help.
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "crm credentials not configured")

	case errors.As(err, &apiErr):
		lg := middleware.LoggerFrom(c)
		lg.Error().
			Str("event_id", ev.EventID).
			Int("crm_status", apiErr.Status).
			Str("crm_body", apiErr.Body).
			Msg("crm call failed")
		fail(c, http.StatusBadGateway, ErrCodeCRMFailed, "crm call failed")

	default:
		fail(c, http.StatusInternalServerError, ErrCodeInternal, "reconciliation failed")
	}
}
