// Package services – ReconcileService
//
// This file implements the reconciliation engine: given one parsed webhook
// event, it decides new-vs-duplicate via the submission ledger, derives the
// contact/lead operations, invokes the CRM client, and records the outcome
// back in the ledger.
//
// The webhook source delivers at-least-once, so the engine must guarantee
// at-most-once CRM side effects. It does this with two ledger disciplines:
//
//   - The event id is persisted only by the terminal upsert of a fully
//     successful reconciliation. A redelivery after a mid-flight failure is
//     therefore never misclassified as a duplicate.
//   - CRM ids are persisted immediately after the remote call that produced
//     them, before any later step can fail. A retry delivery picks those ids
//     up from the ledger and resumes instead of creating second objects.
//
// Observability: Process is OpenTelemetry-instrumented and the outcome of
// every reconciliation is counted in Prometheus.
package services

import (
	"context"
	"errors"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"gorm.io/gorm"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/mapping"
	"github.com/tbourn/go-form-crm-bridge/internal/repo"
	"github.com/tbourn/go-form-crm-bridge/internal/typeform"
)

// reconcileOutcomes counts terminal reconciliation outcomes by kind.
var reconcileOutcomes = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "bridge_reconcile_outcomes_total",
		Help: "Terminal reconciliation outcomes by kind.",
	},
	[]string{"outcome"}, // created|updated|duplicate|error
)

// SubmissionLedger defines the ledger contract required by ReconcileService.
type SubmissionLedger interface {
	// FindByToken returns the record for a response token or repo.ErrNotFound.
	FindByToken(ctx context.Context, db *gorm.DB, token string) (*domain.Submission, error)

	// FindLatestByFormAndLanding returns the most recently updated record for
	// (formID, landingID) or repo.ErrNotFound.
	FindLatestByFormAndLanding(ctx context.Context, db *gorm.DB, formID, landingID string) (*domain.Submission, error)

	// Upsert inserts or merges a ledger record for token.
	Upsert(ctx context.Context, db *gorm.DB, token string, upd repo.SubmissionUpdate) (*domain.Submission, error)
}

// CRM defines the remote operations required by ReconcileService.
// *amocrm.Client satisfies it.
type CRM interface {
	CreateContact(ctx context.Context, name, email, phone string) (int, error)
	UpdateContact(ctx context.Context, contactID int, name, email, phone string) error
	CreateLead(ctx context.Context, name string) (int, error)
	LinkLeadToContact(ctx context.Context, leadID, contactID int) error
	UpdateLeadCustomFields(ctx context.Context, leadID int, fields []mapping.Assignment) error
	AddLeadNote(ctx context.Context, leadID int, text string) error
}

// ReconcileService maps webhook events onto CRM lead/contact creates/updates.
type ReconcileService struct {
	// DB is the GORM handle used for ledger persistence.
	DB *gorm.DB
	// Ledger is the submission ledger used for dedup and outcome recording.
	Ledger SubmissionLedger
	// CRM performs the remote object operations.
	CRM CRM

	// FieldMap is the dynamic ref→custom-field-id table from configuration,
	// applied by the field mapper after the built-in rules.
	FieldMap map[string]int
}

// Result is the outcome of one reconciliation.
type Result struct {
	LeadID    int  `json:"lead_id"`
	ContactID int  `json:"contact_id,omitempty"`
	Duplicate bool `json:"duplicate"`
}

// Process reconciles one webhook delivery. rawPayload is the full event body
// retained in the ledger for audit/replay; ev is its parsed form.
//
// Failures abort reconciliation for this delivery only: the terminal upsert
// never runs, so the next redelivery re-attempts from whatever CRM ids the
// successful steps already persisted. Retry across deliveries is delegated
// entirely to the webhook source.
func (s *ReconcileService) Process(ctx context.Context, rawPayload []byte, ev *typeform.Event) (*Result, error) {
	tr := otel.Tracer("services/ReconcileService")
	ctx, span := tr.Start(ctx, "Process",
		trace.WithAttributes(
			attribute.String("event.id", ev.EventID),
			attribute.String("form.id", ev.Response.FormID),
		),
	)
	defer span.End()

	token := strings.TrimSpace(ev.Response.Token)
	formID := strings.TrimSpace(ev.Response.FormID)
	if token == "" || formID == "" {
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, ErrMalformedEvent
	}
	landing := ev.Response.Landing()

	// Dedup: token first, then the landing-session fallback for unseen tokens.
	sub, err := s.Ledger.FindByToken(ctx, s.DB, token)
	if errors.Is(err, repo.ErrNotFound) && landing != "" {
		sub, err = s.Ledger.FindLatestByFormAndLanding(ctx, s.DB, formID, landing)
	}
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}
	if err != nil {
		sub = nil
	}

	if sub != nil && ev.EventID != "" && sub.LastEventID == ev.EventID {
		// Duplicate delivery: no CRM side effects, answer from the ledger.
		// The record itself is still touched so the stored payload reflects
		// the latest delivery.
		if _, err := s.Ledger.Upsert(ctx, s.DB, token, repo.SubmissionUpdate{
			FormID:      formID,
			LandingID:   landing,
			SubmittedAt: ev.Response.SubmittedAt,
			Payload:     string(rawPayload),
		}); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
		res := &Result{Duplicate: true}
		if sub.AmoLeadID != nil {
			res.LeadID = *sub.AmoLeadID
		}
		if sub.AmoContactID != nil {
			res.ContactID = *sub.AmoContactID
		}
		reconcileOutcomes.WithLabelValues("duplicate").Inc()
		return res, nil
	}

	// Derived data (pure).
	email := ev.Response.FirstEmail()
	phone := ev.Response.FirstPhone()
	name := ev.Response.ContactName()
	fields := mapping.LeadFields(ev, s.FieldMap)
	summary := mapping.Summarize(ev)
	if summary == "" {
		summary = "Typeform submission " + token
	}

	base := repo.SubmissionUpdate{
		FormID:      formID,
		LandingID:   landing,
		SubmittedAt: ev.Response.SubmittedAt,
		Payload:     string(rawPayload),
	}

	created := false

	// Lead: reuse the known id or create one.
	var leadID int
	if sub != nil && sub.AmoLeadID != nil {
		leadID = *sub.AmoLeadID
	} else {
		leadID, err = s.CRM.CreateLead(ctx, leadName(email, phone))
		if err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
		created = true
		// Persist the id right away, without the event id: if a later step
		// fails, the redelivery must resume with this lead, not duplicate it.
		upd := base
		upd.AmoLeadID = &leadID
		if _, err := s.Ledger.Upsert(ctx, s.DB, token, upd); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	// Contact: create-and-link, or update-and-relink, or nothing.
	var contactID int
	if sub != nil && sub.AmoContactID != nil {
		contactID = *sub.AmoContactID
	}
	hasContact := ev.Response.HasContactInfo()
	switch {
	case contactID == 0 && hasContact:
		contactID, err = s.CRM.CreateContact(ctx, name, email, phone)
		if err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
		upd := base
		upd.AmoLeadID = &leadID
		upd.AmoContactID = &contactID
		if _, err := s.Ledger.Upsert(ctx, s.DB, token, upd); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
		if err := s.CRM.LinkLeadToContact(ctx, leadID, contactID); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}

	case contactID != 0 && hasContact:
		if err := s.CRM.UpdateContact(ctx, contactID, name, email, phone); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
		// Re-link: the CRM tolerates repeat links of the same pair.
		if err := s.CRM.LinkLeadToContact(ctx, leadID, contactID); err != nil {
			reconcileOutcomes.WithLabelValues("error").Inc()
			return nil, err
		}
	}

	if err := s.CRM.UpdateLeadCustomFields(ctx, leadID, fields); err != nil {
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}

	// Note is always last.
	if err := s.CRM.AddLeadNote(ctx, leadID, summary); err != nil {
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}

	// Terminal upsert: only now is the event id recorded, making subsequent
	// identical deliveries short-circuit as duplicates.
	final := base
	final.EventID = ev.EventID
	final.EventType = ev.EventType
	final.AmoLeadID = &leadID
	if contactID != 0 {
		final.AmoContactID = &contactID
	}
	if _, err := s.Ledger.Upsert(ctx, s.DB, token, final); err != nil {
		reconcileOutcomes.WithLabelValues("error").Inc()
		return nil, err
	}

	if created {
		reconcileOutcomes.WithLabelValues("created").Inc()
	} else {
		reconcileOutcomes.WithLabelValues("updated").Inc()
	}
	res := &Result{LeadID: leadID, ContactID: contactID}
	return res, nil
}

// leadName derives the display name for a new lead. It is computed once at
// creation and never re-derived on update.
func leadName(email, phone string) string {
	switch {
	case email != "":
		return "Typeform: " + email
	case phone != "":
		return "Typeform: " + phone
	default:
		return "Typeform: submission"
	}
}
