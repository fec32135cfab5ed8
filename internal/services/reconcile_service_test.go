package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorm.io/gorm"

	"github.com/tbourn/go-form-crm-bridge/internal/domain"
	"github.com/tbourn/go-form-crm-bridge/internal/mapping"
	"github.com/tbourn/go-form-crm-bridge/internal/repo"
	"github.com/tbourn/go-form-crm-bridge/internal/typeform"
)

//
// Fakes
//

// fakeLedger is an in-memory SubmissionLedger applying the same merge policy
// as the real repository.
type fakeLedger struct {
	rows    map[string]*domain.Submission
	upserts int
	failOn  int // fail the n-th upsert (1-based), 0 = never
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{rows: map[string]*domain.Submission{}}
}

func (f *fakeLedger) FindByToken(_ context.Context, _ *gorm.DB, token string) (*domain.Submission, error) {
	if s, ok := f.rows[token]; ok {
		cp := *s
		return &cp, nil
	}
	return nil, repo.ErrNotFound
}

func (f *fakeLedger) FindLatestByFormAndLanding(_ context.Context, _ *gorm.DB, formID, landingID string) (*domain.Submission, error) {
	for _, s := range f.rows {
		if s.FormID == formID && s.LandingID == landingID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (f *fakeLedger) Upsert(_ context.Context, _ *gorm.DB, token string, upd repo.SubmissionUpdate) (*domain.Submission, error) {
	f.upserts++
	if f.failOn != 0 && f.upserts == f.failOn {
		return nil, errors.New("ledger write failed")
	}
	s, ok := f.rows[token]
	if !ok {
		s = &domain.Submission{ID: "row-" + token, ResponseToken: token}
		f.rows[token] = s
	}
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
	cp := *s
	return &cp, nil
}

// fakeCRM records the sequence of calls and returns scripted results.
type fakeCRM struct {
	calls []string

	nextLeadID    int
	nextContactID int

	failOn string // method name that should fail, "" = none
}

func (f *fakeCRM) record(call string) error {
	f.calls = append(f.calls, call)
	if f.failOn != "" && len(call) >= len(f.failOn) && call[:len(f.failOn)] == f.failOn {
		return errors.New(f.failOn + " failed")
	}
	return nil
}

func (f *fakeCRM) CreateLead(_ context.Context, name string) (int, error) {
	if err := f.record("CreateLead:" + name); err != nil {
		return 0, err
	}
	return f.nextLeadID, nil
}

func (f *fakeCRM) CreateContact(_ context.Context, name, email, phone string) (int, error) {
	if err := f.record(fmt.Sprintf("CreateContact:%s/%s/%s", name, email, phone)); err != nil {
		return 0, err
	}
	return f.nextContactID, nil
}

func (f *fakeCRM) UpdateContact(_ context.Context, contactID int, name, email, phone string) error {
	return f.record(fmt.Sprintf("UpdateContact:%d/%s/%s/%s", contactID, name, email, phone))
}

func (f *fakeCRM) LinkLeadToContact(_ context.Context, leadID, contactID int) error {
	return f.record(fmt.Sprintf("Link:%d-%d", leadID, contactID))
}

func (f *fakeCRM) UpdateLeadCustomFields(_ context.Context, leadID int, fields []mapping.Assignment) error {
	return f.record(fmt.Sprintf("Fields:%d/%d", leadID, len(fields)))
}

func (f *fakeCRM) AddLeadNote(_ context.Context, leadID int, text string) error {
	return f.record(fmt.Sprintf("Note:%d", leadID))
}

//
// Helpers
//

func newEvent(eventID, token string) *typeform.Event {
	return &typeform.Event{
		EventID:   eventID,
		EventType: "form_response",
		Response: typeform.FormResponse{
			FormID: "F1",
			Token:  token,
			Hidden: map[string]string{"utm_source": "google"},
			Answers: []typeform.Answer{
				{Type: "email", Email: "ada@example.com", Field: typeform.Field{Ref: "email", Title: "Email"}},
			},
		},
	}
}

func newService(ledger SubmissionLedger, crm CRM) *ReconcileService {
	return &ReconcileService{Ledger: ledger, CRM: crm}
}

//
// Tests
//

func TestProcess_NewSubmissionCreatesLeadAndContact(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501, nextContactID: 901}
	svc := newService(ledger, crm)

	ev := newEvent("evt-1", "tok-1")
	res, err := svc.Process(context.Background(), []byte(`{"raw":1}`), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.LeadID != 501 || res.ContactID != 901 || res.Duplicate {
		t.Fatalf("result = %+v", res)
	}

	want := []string{
		"CreateLead:Typeform: ada@example.com",
		"CreateContact:ada/ada@example.com/",
		"Link:501-901",
		"Fields:501/1",
		"Note:501",
	}
	if len(crm.calls) != len(want) {
		t.Fatalf("calls = %v", crm.calls)
	}
	for i := range want {
		if crm.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (all: %v)", i, crm.calls[i], want[i], crm.calls)
		}
	}

	row := ledger.rows["tok-1"]
	if row == nil || row.LastEventID != "evt-1" {
		t.Fatalf("terminal row = %+v", row)
	}
	if row.AmoLeadID == nil || *row.AmoLeadID != 501 || row.AmoContactID == nil || *row.AmoContactID != 901 {
		t.Fatalf("ids not persisted: %+v", row)
	}
	if row.LastPayload != `{"raw":1}` {
		t.Fatalf("payload = %q", row.LastPayload)
	}
}

func TestProcess_DuplicateDeliveryShortCircuits(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501, nextContactID: 901}
	svc := newService(ledger, crm)

	ev := newEvent("evt-1", "tok-1")
	if _, err := svc.Process(context.Background(), []byte(`{"n":1}`), ev); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	firstCalls := len(crm.calls)

	res, err := svc.Process(context.Background(), []byte(`{"n":2}`), ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if !res.Duplicate {
		t.Fatal("redelivery not flagged duplicate")
	}
	if res.LeadID != 501 || res.ContactID != 901 {
		t.Fatalf("replayed ids = %+v", res)
	}
	if len(crm.calls) != firstCalls {
		t.Fatalf("duplicate triggered CRM calls: %v", crm.calls[firstCalls:])
	}
	// The ledger still reflects the latest delivery's payload.
	if ledger.rows["tok-1"].LastPayload != `{"n":2}` {
		t.Fatalf("payload not refreshed: %q", ledger.rows["tok-1"].LastPayload)
	}
}

func TestProcess_KnownTokenNewEventUpdates(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501, nextContactID: 901}
	svc := newService(ledger, crm)

	if _, err := svc.Process(context.Background(), []byte(`{}`), newEvent("evt-1", "tok-1")); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	crm.calls = nil

	res, err := svc.Process(context.Background(), []byte(`{}`), newEvent("evt-2", "tok-1"))
	if err != nil {
		t.Fatalf("second event: %v", err)
	}
	if res.Duplicate {
		t.Fatal("new event id must not be a duplicate")
	}
	if res.LeadID != 501 || res.ContactID != 901 {
		t.Fatalf("ids not reused: %+v", res)
	}

	// Lead and contact are reused: update + relink instead of create.
	want := []string{
		"UpdateContact:901/ada/ada@example.com/",
		"Link:501-901",
		"Fields:501/1",
		"Note:501",
	}
	if len(crm.calls) != len(want) {
		t.Fatalf("calls = %v", crm.calls)
	}
	for i := range want {
		if crm.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, crm.calls[i], want[i])
		}
	}
	if ledger.rows["tok-1"].LastEventID != "evt-2" {
		t.Fatalf("event id not advanced: %+v", ledger.rows["tok-1"])
	}
}

func TestProcess_LandingFallbackReusesLead(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501, nextContactID: 901}
	svc := newService(ledger, crm)

	// First delivery establishes a row with a landing id.
	ev1 := newEvent("evt-1", "tok-1")
	ev1.Response.LandingID = "land-1"
	if _, err := svc.Process(context.Background(), []byte(`{}`), ev1); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	crm.calls = nil

	// New token, same form and landing session: must attach to the prior lead.
	ev2 := newEvent("evt-2", "tok-2")
	ev2.Response.LandingID = "land-1"
	res, err := svc.Process(context.Background(), []byte(`{}`), ev2)
	if err != nil {
		t.Fatalf("fallback delivery: %v", err)
	}
	if res.LeadID != 501 {
		t.Fatalf("lead not reused via landing fallback: %+v", res)
	}
	for _, call := range crm.calls {
		if call == "CreateLead:Typeform: ada@example.com" {
			t.Fatalf("fallback created a second lead: %v", crm.calls)
		}
	}
}

func TestProcess_NoContactInfoSkipsContact(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501}
	svc := newService(ledger, crm)

	ev := newEvent("evt-1", "tok-1")
	ev.Response.Answers = []typeform.Answer{
		{Type: "text", Text: "Lisbon", Field: typeform.Field{Ref: "city", Title: "City"}},
	}

	res, err := svc.Process(context.Background(), []byte(`{}`), ev)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.ContactID != 0 {
		t.Fatalf("unexpected contact: %+v", res)
	}
	want := []string{"CreateLead:Typeform: submission", "Fields:501/2", "Note:501"}
	if len(crm.calls) != len(want) {
		t.Fatalf("calls = %v", crm.calls)
	}
	for i := range want {
		if crm.calls[i] != want[i] {
			t.Fatalf("call %d = %q, want %q", i, crm.calls[i], want[i])
		}
	}
}

func TestProcess_PartialFailureResumesOnRedelivery(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{nextLeadID: 501, nextContactID: 901, failOn: "Note"}
	svc := newService(ledger, crm)

	ev := newEvent("evt-1", "tok-1")
	if _, err := svc.Process(context.Background(), []byte(`{}`), ev); err == nil {
		t.Fatal("expected note failure")
	}

	// Mid-flight state: ids persisted, event id absent.
	row := ledger.rows["tok-1"]
	if row == nil || row.AmoLeadID == nil || *row.AmoLeadID != 501 {
		t.Fatalf("lead id not persisted before failure: %+v", row)
	}
	if row.LastEventID != "" {
		t.Fatalf("event id must only be written terminally: %+v", row)
	}

	// Redelivery of the same event resumes with the persisted ids.
	crm.failOn = ""
	crm.calls = nil
	res, err := svc.Process(context.Background(), []byte(`{}`), ev)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if res.Duplicate {
		t.Fatal("incomplete reconciliation must not read as duplicate")
	}
	if res.LeadID != 501 || res.ContactID != 901 {
		t.Fatalf("ids not resumed: %+v", res)
	}
	for _, call := range crm.calls {
		if call[:6] == "Create" {
			t.Fatalf("redelivery duplicated CRM objects: %v", crm.calls)
		}
	}
	if ledger.rows["tok-1"].LastEventID != "evt-1" {
		t.Fatalf("terminal upsert missing after resume: %+v", ledger.rows["tok-1"])
	}
}

func TestProcess_MalformedEvent(t *testing.T) {
	svc := newService(newFakeLedger(), &fakeCRM{})

	for _, ev := range []*typeform.Event{
		{EventID: "e", Response: typeform.FormResponse{FormID: "F1"}},        // no token
		{EventID: "e", Response: typeform.FormResponse{Token: "tok"}},       // no form id
		{EventID: "e", Response: typeform.FormResponse{Token: "  ", FormID: "F1"}}, // blank token
	} {
		if _, err := svc.Process(context.Background(), []byte(`{}`), ev); !errors.Is(err, ErrMalformedEvent) {
			t.Fatalf("err = %v, want ErrMalformedEvent", err)
		}
	}
}

func TestProcess_LeadCreateFailureAborts(t *testing.T) {
	ledger := newFakeLedger()
	crm := &fakeCRM{failOn: "CreateLead"}
	svc := newService(ledger, crm)

	if _, err := svc.Process(context.Background(), []byte(`{}`), newEvent("evt-1", "tok-1")); err == nil {
		t.Fatal("expected create failure")
	}
	if len(ledger.rows) != 0 {
		t.Fatalf("no ledger row should exist before any CRM id is known: %+v", ledger.rows)
	}
}

func TestLeadName(t *testing.T) {
	cases := []struct {
		email, phone, want string
	}{
		{"a@b.c", "+1", "Typeform: a@b.c"},
		{"", "+1", "Typeform: +1"},
		{"", "", "Typeform: submission"},
	}
	for _, tc := range cases {
		if got := leadName(tc.email, tc.phone); got != tc.want {
			t.Fatalf("leadName(%q, %q) = %q, want %q", tc.email, tc.phone, got, tc.want)
		}
	}
}
