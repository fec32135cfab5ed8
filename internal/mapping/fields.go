// Package mapping contains the pure transforms between a parsed Typeform
// event and amoCRM-native data: the lead custom-field mapper and the
// human-readable answer summary used for audit notes. Nothing in this package
// performs I/O or holds state.
package mapping

import (
	"sort"
	"strings"

	"github.com/tbourn/go-form-crm-bridge/internal/typeform"
)

// Assignment is one (field id, value) pair destined for a lead's custom
// fields. Exactly one of Value/EnumID is populated: free-text fields carry
// Value, single-select enum fields carry EnumID.
type Assignment struct {
	FieldID int
	Value   string
	EnumID  int
}

// hiddenRule maps a hidden-parameter key to a lead custom-field id.
type hiddenRule struct {
	Key     string
	FieldID int
}

// answerRule maps an answer ref to a lead custom-field id. When Enum is
// non-nil the answer is treated as a single-select whose label resolves
// through the table; unrecognized labels produce no assignment.
type answerRule struct {
	Ref     string
	FieldID int
	Enum    map[string]int
}

// Fixed field ids of the amoCRM account's lead fields. Hidden-parameter rules
// run first, then the static answer rules, then the dynamically configured
// ref table; a later rule overwrites an earlier one targeting the same field.
var (
	hiddenRules = []hiddenRule{
		{Key: "utm_source", FieldID: 641231},
		{Key: "utm_medium", FieldID: 641233},
		{Key: "utm_campaign", FieldID: 641235},
		{Key: "utm_content", FieldID: 641237},
		{Key: "utm_term", FieldID: 641239},
	}

	answerRules = []answerRule{
		{Ref: "city", FieldID: 642001},
		{Ref: "company", FieldID: 642003},
		{Ref: "budget", FieldID: 642005, Enum: budgetEnum},
	}

	// budgetEnum resolves the budget single-select labels to the enum ids of
	// lead field 642005.
	budgetEnum = map[string]int{
		"до 50 000":        1000101,
		"50 000 – 150 000": 1000103,
		"150 000 – 500 000": 1000105,
		"более 500 000":    1000107,
	}
)

// LeadFields derives the custom-field assignment set for a lead from the
// event's hidden parameters and answers. dynamic is the configured
// ref→field-id table applied after the built-in rules.
//
// The rule chain is an explicit ordered list reduced into a map keyed by the
// target field id, so on a field-id collision the last rule wins. Values are
// trimmed; empty or whitespace-only values never produce an assignment.
func LeadFields(ev *typeform.Event, dynamic map[string]int) []Assignment {
	byField := make(map[int]Assignment)

	// 1) Hidden parameters.
	for _, r := range hiddenRules {
		v := strings.TrimSpace(ev.Response.Hidden[r.Key])
		if v == "" {
			continue
		}
		byField[r.FieldID] = Assignment{FieldID: r.FieldID, Value: v}
	}

	// 2) Statically mapped answer refs.
	for _, r := range answerRules {
		a, ok := ev.Response.AnswerByRef(r.Ref)
		if !ok {
			continue
		}
		if r.Enum != nil {
			label := ""
			if a.Choice != nil {
				label = strings.TrimSpace(a.Choice.Label)
			}
			enumID, known := r.Enum[label]
			if !known {
				continue // unrecognized label: silently skipped
			}
			byField[r.FieldID] = Assignment{FieldID: r.FieldID, EnumID: enumID}
			continue
		}
		v := a.Value()
		if v == "" {
			continue
		}
		byField[r.FieldID] = Assignment{FieldID: r.FieldID, Value: v}
	}

	// 3) Dynamically configured ref table, last so it wins collisions.
	// Refs are visited in sorted order to keep the reduction deterministic.
	refs := make([]string, 0, len(dynamic))
	for ref := range dynamic {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	for _, ref := range refs {
		a, ok := ev.Response.AnswerByRef(ref)
		if !ok {
			continue
		}
		v := a.Value()
		if v == "" {
			continue
		}
		fieldID := dynamic[ref]
		byField[fieldID] = Assignment{FieldID: fieldID, Value: v}
	}

	out := make([]Assignment, 0, len(byField))
	for _, a := range byField {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FieldID < out[j].FieldID })
	return out
}
