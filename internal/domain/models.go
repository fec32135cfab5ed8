// Package domain defines the persistence models for the submission ledger and
// the credential store. These types are mapped with GORM and form the core
// data layer of the reconciliation service.
package domain

import (
	"time"

	"gorm.io/gorm"
)

// Submission is the ledger record for one Typeform response, keyed by the
// source-assigned response token. It tracks the last webhook delivery applied
// for that token and the amoCRM identifiers produced by reconciliation, so
// that redeliveries can be detected and partially completed work can resume.
//
// Fields:
//   - ID: UUID primary key (char(36)).
//   - ResponseToken: unique per form response, stable across redeliveries.
//   - FormID: owning Typeform form.
//   - LandingID: identifier of the landing page/session; not always present.
//   - SubmittedAt: submission timestamp from the source, when supplied.
//   - LastEventID / LastEventType: the most recently applied delivery.
//   - AmoLeadID / AmoContactID: remote CRM ids, set once known. AmoLeadID is
//     never regressed to null once set; the upsert merge only carries it
//     forward or overwrites it with a non-null value.
//   - LastPayload: full raw webhook event, retained for audit/replay.
type Submission struct {
	ID            string     `json:"id"             gorm:"type:char(36);primaryKey"`
	ResponseToken string     `json:"response_token" gorm:"type:varchar(128);not null;uniqueIndex:ux_submission_token"`
	FormID        string     `json:"form_id"        gorm:"type:varchar(64);not null;index:idx_form_landing,priority:1"`
	LandingID     string     `json:"landing_id,omitempty" gorm:"type:varchar(128);index:idx_form_landing,priority:2"`
	SubmittedAt   *time.Time `json:"submitted_at,omitempty"`
	LastEventID   string     `json:"last_event_id"   gorm:"type:varchar(128)"`
	LastEventType string     `json:"last_event_type" gorm:"type:varchar(64)"`
	AmoLeadID     *int       `json:"amo_lead_id,omitempty"`
	AmoContactID  *int       `json:"amo_contact_id,omitempty"`
	LastPayload   string     `json:"-"               gorm:"type:text"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"      gorm:"index:idx_form_landing,priority:3"`
	DeletedAt     gorm.DeletedAt `json:"-"           gorm:"index"`
}

// TableName returns the database table name for Submission.
func (Submission) TableName() string { return "submissions" }

// Credential is a single key/value row of the credential store, e.g. the
// current amoCRM access or refresh token. Rows are overwritten wholesale on
// every OAuth refresh; there is no partial update and no local expiry
// tracking (staleness is discovered reactively via 401s from the CRM).
type Credential struct {
	Key       string    `json:"key"        gorm:"type:varchar(64);primaryKey"`
	Value     string    `json:"-"          gorm:"type:text;not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TableName returns the database table name for Credential.
func (Credential) TableName() string { return "credentials" }

// Credential store keys used by the amoCRM client.
const (
	CredAccessToken  = "access_token"
	CredRefreshToken = "refresh_token"
)
