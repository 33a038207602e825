package textutil

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxNoteLength bounds reviewer free text stored in the status history ledger.
const MaxNoteLength = 1000

var notePolicy = bluemonday.StrictPolicy()

// noteEntities undoes the escaping bluemonday applies to plain text. Angle
// brackets stay encoded so escaped markup in the input never becomes a tag.
var noteEntities = strings.NewReplacer("&amp;", "&", "&#39;", "'", "&#34;", `"`)

// SanitizeNote strips markup and control characters from free text and
// collapses runs of whitespace. The result is truncated to MaxNoteLength runes.
func SanitizeNote(input string) string {
	if strings.TrimSpace(input) == "" {
		return ""
	}
	stripped := noteEntities.Replace(notePolicy.Sanitize(input))

	var b strings.Builder
	b.Grow(len(stripped))
	count := 0
	space := false
	for _, r := range stripped {
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if space {
			b.WriteByte(' ')
			count++
			space = false
		}
		if count >= MaxNoteLength {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}
