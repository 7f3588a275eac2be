// Package template renders stored notification templates against event
// payloads using {{variable}} placeholder substitution.
package template

import (
	"fmt"
	"strings"

	"github.com/formhub/courier/internal/db"
)

// Rendered is the sendable body set produced from one template + payload.
// From/reply-to carry the template's overrides when present; empty values
// mean "use the sender's defaults".
type Rendered struct {
	Subject   string
	HTML      string
	Text      string
	FromEmail string
	FromName  string
	ReplyTo   string
	Variables map[string]string
}

// Render substitutes {{name}} placeholders in subject and bodies. The
// substitution is a straight string replace: no nested expressions, no
// escaping (callers pre-escape HTML-unsafe values). Placeholders with no
// matching payload key are left literal, so rendering is deterministic.
func Render(tpl *db.Template, payload map[string]any) *Rendered {
	vars := make(map[string]string, len(payload))
	for key, raw := range payload {
		vars[key] = fmt.Sprint(raw)
	}

	return &Rendered{
		Subject:   substitute(tpl.Subject, vars),
		HTML:      substitute(tpl.BodyHTML, vars),
		Text:      substitute(tpl.BodyText, vars),
		FromEmail: tpl.FromEmail,
		FromName:  tpl.FromName,
		ReplyTo:   tpl.ReplyTo,
		Variables: vars,
	}
}

func substitute(text string, vars map[string]string) string {
	if text == "" || len(vars) == 0 {
		return text
	}

	pairs := make([]string, 0, len(vars)*2)
	for name, value := range vars {
		pairs = append(pairs, "{{"+name+"}}", value)
	}
	return strings.NewReplacer(pairs...).Replace(text)
}
