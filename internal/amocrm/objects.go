// Package amocrm – object operations.
//
// This file implements the contact/lead/link/note calls on top of the client
// core. Each operation is independent: the CRM offers no cross-object
// transaction, so callers sequence them and persist intermediate ids to
// resume safely after a partial failure.
package amocrm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tbourn/go-form-crm-bridge/internal/mapping"
)

// Standard contact field codes of amoCRM accounts.
const (
	fieldCodePhone = "PHONE"
	fieldCodeEmail = "EMAIL"
	enumCodeWork   = "WORK"
)

// fieldValues is one entry of custom_fields_values in the v4 wire format.
type fieldValues struct {
	FieldID   int          `json:"field_id,omitempty"`
	FieldCode string       `json:"field_code,omitempty"`
	Values    []fieldValue `json:"values"`
}

type fieldValue struct {
	Value    any    `json:"value,omitempty"`
	EnumID   int    `json:"enum_id,omitempty"`
	EnumCode string `json:"enum_code,omitempty"`
}

// embeddedIDs decodes the `_embedded` envelope of create responses.
type embeddedIDs struct {
	Embedded struct {
		Contacts []struct {
			ID int `json:"id"`
		} `json:"contacts"`
		Leads []struct {
			ID int `json:"id"`
		} `json:"leads"`
	} `json:"_embedded"`
}

// contactFields builds the phone/email custom-field entries for a contact.
func contactFields(email, phone string) []fieldValues {
	var cf []fieldValues
	if phone = strings.TrimSpace(phone); phone != "" {
		cf = append(cf, fieldValues{
			FieldCode: fieldCodePhone,
			Values:    []fieldValue{{Value: phone, EnumCode: enumCodeWork}},
		})
	}
	if email = strings.TrimSpace(email); email != "" {
		cf = append(cf, fieldValues{
			FieldCode: fieldCodeEmail,
			Values:    []fieldValue{{Value: email, EnumCode: enumCodeWork}},
		})
	}
	return cf
}

// assignmentFields converts mapper output to the wire format.
func assignmentFields(fields []mapping.Assignment) []fieldValues {
	out := make([]fieldValues, 0, len(fields))
	for _, a := range fields {
		fv := fieldValue{}
		if a.EnumID != 0 {
			fv.EnumID = a.EnumID
		} else {
			fv.Value = a.Value
		}
		out = append(out, fieldValues{
			FieldID: a.FieldID,
			Values:  []fieldValue{fv},
		})
	}
	return out
}

// CreateContact creates a contact with the supplied attributes and returns
// its id. Phone/email are stored under the account's standard field codes.
// It fails when the CRM response omits the created id.
func (c *Client) CreateContact(ctx context.Context, name, email, phone string) (int, error) {
	body := []map[string]any{{}}
	if name = strings.TrimSpace(name); name != "" {
		body[0]["name"] = name
	}
	if cf := contactFields(email, phone); len(cf) > 0 {
		body[0]["custom_fields_values"] = cf
	}

	var resp embeddedIDs
	if err := c.do(ctx, http.MethodPost, "/api/v4/contacts", body, &resp, true); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Contacts) == 0 || resp.Embedded.Contacts[0].ID == 0 {
		return 0, errors.New("amocrm: contact create response missing id")
	}
	return resp.Embedded.Contacts[0].ID, nil
}

// UpdateContact partial-updates only the supplied attributes of contactID.
// When neither a name nor any custom field is derivable it is a no-op.
func (c *Client) UpdateContact(ctx context.Context, contactID int, name, email, phone string) error {
	patch := map[string]any{"id": contactID}
	if name = strings.TrimSpace(name); name != "" {
		patch["name"] = name
	}
	if cf := contactFields(email, phone); len(cf) > 0 {
		patch["custom_fields_values"] = cf
	}
	if len(patch) == 1 {
		return nil // nothing to update
	}
	return c.do(ctx, http.MethodPatch, "/api/v4/contacts", []map[string]any{patch}, nil, true)
}

// CreateLead creates a lead with the given name into the configured pipeline,
// optionally seeding the initial stage, and returns its id.
func (c *Client) CreateLead(ctx context.Context, name string) (int, error) {
	lead := map[string]any{
		"name":        name,
		"pipeline_id": c.cfg.PipelineID,
	}
	if c.cfg.StatusID > 0 {
		lead["status_id"] = c.cfg.StatusID
	}

	var resp embeddedIDs
	if err := c.do(ctx, http.MethodPost, "/api/v4/leads", []map[string]any{lead}, &resp, true); err != nil {
		return 0, err
	}
	if len(resp.Embedded.Leads) == 0 || resp.Embedded.Leads[0].ID == 0 {
		return 0, errors.New("amocrm: lead create response missing id")
	}
	return resp.Embedded.Leads[0].ID, nil
}

// LinkLeadToContact associates a contact with a lead. The CRM treats repeat
// links of the same pair as idempotent, so duplicate calls are tolerated and
// not guarded against here.
func (c *Client) LinkLeadToContact(ctx context.Context, leadID, contactID int) error {
	body := []map[string]any{{
		"to_entity_id":   contactID,
		"to_entity_type": "contacts",
	}}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v4/leads/%d/link", leadID), body, nil, true)
}

// UpdateLeadCustomFields writes the mapped custom fields onto the lead.
// An empty field set is a no-op.
func (c *Client) UpdateLeadCustomFields(ctx context.Context, leadID int, fields []mapping.Assignment) error {
	if len(fields) == 0 {
		return nil
	}
	patch := []map[string]any{{
		"id":                   leadID,
		"custom_fields_values": assignmentFields(fields),
	}}
	return c.do(ctx, http.MethodPatch, "/api/v4/leads", patch, nil, true)
}

// AddLeadNote appends a free-text note to the lead. The reconciler invokes it
// once per successful reconciliation to carry the answer summary.
func (c *Client) AddLeadNote(ctx context.Context, leadID int, text string) error {
	body := []map[string]any{{
		"note_type": "common",
		"params":    map[string]string{"text": text},
	}}
	return c.do(ctx, http.MethodPost, fmt.Sprintf("/api/v4/leads/%d/notes", leadID), body, nil, true)
}
