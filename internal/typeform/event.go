// Package typeform models the Typeform webhook envelope consumed by the
// reconciliation service. It contains only transport types and pure accessors
// over a parsed event; no I/O happens here.
//
// The webhook source delivers at-least-once: the same response token may
// arrive any number of times, with the same or a newer event id. Parsing is
// deliberately lenient: Typeform adds answer kinds over time, and unknown
// answer types simply yield empty values.
package typeform

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Event is one webhook delivery describing a single form-response state.
type Event struct {
	EventID   string       `json:"event_id"`
	EventType string       `json:"event_type"`
	Response  FormResponse `json:"form_response"`
}

// FormResponse is the form-response body of a webhook event.
type FormResponse struct {
	FormID      string            `json:"form_id"`
	Token       string            `json:"token"`
	LandingID   string            `json:"landing_id,omitempty"`
	LandedAt    *time.Time        `json:"landed_at,omitempty"`
	SubmittedAt *time.Time        `json:"submitted_at,omitempty"`
	Hidden      map[string]string `json:"hidden,omitempty"`
	Definition  Definition        `json:"definition"`
	Answers     []Answer          `json:"answers"`
}

// Definition carries the form's field definitions as shipped with the event.
type Definition struct {
	ID     string  `json:"id"`
	Title  string  `json:"title"`
	Fields []Field `json:"fields"`
}

// Field identifies one question of the form.
type Field struct {
	ID    string `json:"id"`
	Ref   string `json:"ref"`
	Title string `json:"title"`
	Type  string `json:"type"`
}

// Answer carries a type tag and exactly one populated value slot.
type Answer struct {
	Type        string   `json:"type"`
	Field       Field    `json:"field"`
	Text        string   `json:"text,omitempty"`
	Email       string   `json:"email,omitempty"`
	PhoneNumber string   `json:"phone_number,omitempty"`
	Boolean     *bool    `json:"boolean,omitempty"`
	Number      *float64 `json:"number,omitempty"`
	Date        string   `json:"date,omitempty"`
	Choice      *Choice  `json:"choice,omitempty"`
	Choices     *Choices `json:"choices,omitempty"`
}

// Choice is a single-select answer value.
type Choice struct {
	Label string `json:"label"`
}

// Choices is a multi-select answer value.
type Choices struct {
	Labels []string `json:"labels"`
}

// Parse decodes a raw webhook body into an Event. It does not validate
// domain-level requirements (token, form id); that is the reconciler's job.
func Parse(data []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

// Value renders the populated slot of the answer as a trimmed string.
// Unknown answer types render as "".
func (a Answer) Value() string {
	switch {
	case a.Text != "":
		return strings.TrimSpace(a.Text)
	case a.Email != "":
		return strings.TrimSpace(a.Email)
	case a.PhoneNumber != "":
		return strings.TrimSpace(a.PhoneNumber)
	case a.Boolean != nil:
		if *a.Boolean {
			return "yes"
		}
		return "no"
	case a.Number != nil:
		return strconv.FormatFloat(*a.Number, 'f', -1, 64)
	case a.Date != "":
		return strings.TrimSpace(a.Date)
	case a.Choice != nil:
		return strings.TrimSpace(a.Choice.Label)
	case a.Choices != nil:
		return strings.TrimSpace(strings.Join(a.Choices.Labels, ", "))
	default:
		return ""
	}
}

// FirstEmail returns the first non-empty email answer, or "".
func (r FormResponse) FirstEmail() string {
	for _, a := range r.Answers {
		if a.Type == "email" && strings.TrimSpace(a.Email) != "" {
			return strings.TrimSpace(a.Email)
		}
	}
	return ""
}

// FirstPhone returns the first non-empty phone answer, or "".
func (r FormResponse) FirstPhone() string {
	for _, a := range r.Answers {
		if a.Type == "phone_number" && strings.TrimSpace(a.PhoneNumber) != "" {
			return strings.TrimSpace(a.PhoneNumber)
		}
	}
	return ""
}

// ContactName returns the first text answer whose field ref or title looks
// like a name question. The heuristic is a substring match on "name", which
// covers refs like "name", "first_name", "your-name". Without a name answer it
// falls back to the email's local part, else "".
func (r FormResponse) ContactName() string {
	for _, a := range r.Answers {
		if a.Type != "text" || strings.TrimSpace(a.Text) == "" {
			continue
		}
		ref := strings.ToLower(a.Field.Ref)
		title := strings.ToLower(a.Field.Title)
		if strings.Contains(ref, "name") || strings.Contains(title, "name") {
			return strings.TrimSpace(a.Text)
		}
	}
	if email := r.FirstEmail(); email != "" {
		if at := strings.IndexByte(email, '@'); at > 0 {
			return email[:at]
		}
	}
	return ""
}

// AnswerByRef returns the answer for the given field ref.
func (r FormResponse) AnswerByRef(ref string) (Answer, bool) {
	for _, a := range r.Answers {
		if a.Field.Ref == ref {
			return a, true
		}
	}
	return Answer{}, false
}

// Landing returns the landing identifier for the response. Some embeds carry
// it on the response itself, others only as a hidden parameter.
func (r FormResponse) Landing() string {
	if r.LandingID != "" {
		return r.LandingID
	}
	return strings.TrimSpace(r.Hidden["landing_id"])
}

// HasContactInfo reports whether the response carries anything a CRM contact
// could be built from.
func (r FormResponse) HasContactInfo() bool {
	return r.FirstEmail() != "" || r.FirstPhone() != "" || r.ContactName() != ""
}
