package agents

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/sitedoc/sitedoc/internal/kanban"
)

// The PM agent embeds action markers in its replies: small JSON objects
// that are executed by the pipeline and stripped before the reply is
// shown to the customer. Marker values can contain nested objects (the
// save_credential payload is itself a JSON object), so extraction walks
// balanced braces instead of matching a flat pattern.

// TicketConfirmation carries the finalized ticket details.
type TicketConfirmation struct {
	Title       string
	Description string
	Category    string
}

// CredentialMarker carries a credential the customer shared in chat.
type CredentialMarker struct {
	Type  string
	Value map[string]interface{}
}

// Markers is the set of actions parsed out of one PM reply.
type Markers struct {
	TransitionTo      kanban.Column
	Confirmed         *TicketConfirmation
	DescriptionAppend string
	Credential        *CredentialMarker

	// Visible is the reply with all marker blocks removed.
	Visible string
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// ParseMarkers extracts action markers from a PM reply and returns them
// together with the customer-visible remainder.
func ParseMarkers(reply string) Markers {
	var markers Markers
	var visible strings.Builder
	last := 0

	for i := 0; i < len(reply); {
		if reply[i] != '{' {
			i++
			continue
		}
		end := balancedObjectEnd(reply, i)
		if end < 0 {
			i++
			continue
		}
		if applyMarker(reply[i:end], &markers) {
			visible.WriteString(reply[last:i])
			last = end
			i = end
			continue
		}
		i++
	}
	visible.WriteString(reply[last:])

	markers.Visible = strings.TrimSpace(blankLines.ReplaceAllString(visible.String(), "\n\n"))
	return markers
}

// applyMarker decodes one candidate object and records it if it is a
// known marker shape. Unknown objects are left in the visible text.
func applyMarker(raw string, markers *Markers) bool {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return false
	}

	switch {
	case obj["ticket_action"] == "transition":
		col, _ := obj["to_col"].(string)
		if col == "" {
			return false
		}
		markers.TransitionTo = kanban.Column(col)
		return true

	case obj["ticket_confirmed"] == true:
		title, _ := obj["title"].(string)
		description, _ := obj["description"].(string)
		category, _ := obj["category"].(string)
		markers.Confirmed = &TicketConfirmation{
			Title:       title,
			Description: description,
			Category:    category,
		}
		return true

	case obj["update_description"] == true:
		text, _ := obj["append"].(string)
		if text == "" {
			return false
		}
		markers.DescriptionAppend = text
		return true

	case obj["save_credential"] == true:
		credType, _ := obj["credential_type"].(string)
		value, _ := obj["value"].(map[string]interface{})
		if credType == "" || value == nil {
			return false
		}
		markers.Credential = &CredentialMarker{Type: credType, Value: value}
		return true
	}
	return false
}

// balancedObjectEnd returns the index just past the object starting at
// start, or -1 if the braces never balance. String literals and escapes
// are skipped so braces inside values do not miscount.
func balancedObjectEnd(s string, start int) int {
	depth := 0
	inString := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}
	return -1
}
