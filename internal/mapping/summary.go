package mapping

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/tbourn/go-form-crm-bridge/internal/typeform"
)

// Summarize renders the event's answers as a human-readable text block, one
// "Question: answer" line per answered question, for the audit note attached
// to the lead. Unanswered and empty answers are skipped. The result is ""
// when nothing was answered.
func Summarize(ev *typeform.Event) string {
	var b strings.Builder

	if title := strings.TrimSpace(ev.Response.Definition.Title); title != "" {
		b.WriteString(title)
		b.WriteString("\n\n")
	}

	n := 0
	for _, a := range ev.Response.Answers {
		v := a.Value()
		if v == "" {
			continue
		}
		b.WriteString(questionLabel(a.Field))
		b.WriteString(": ")
		b.WriteString(v)
		b.WriteString("\n")
		n++
	}
	if n == 0 {
		return ""
	}
	return strings.TrimRight(b.String(), "\n")
}

// titleCaser is locale-neutral; question refs are ASCII identifiers.
var titleCaser = cases.Title(language.Und)

// questionLabel prefers the field's title and falls back to a humanized form
// of its ref ("first_name" → "First Name").
func questionLabel(f typeform.Field) string {
	if t := strings.TrimSpace(f.Title); t != "" {
		return t
	}
	ref := strings.NewReplacer("_", " ", "-", " ").Replace(f.Ref)
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "Question"
	}
	return titleCaser.String(ref)
}
