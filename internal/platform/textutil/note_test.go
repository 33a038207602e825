package textutil

import (
	"strings"
	"testing"
)

func TestSanitizeNote(t *testing.T) {
	cases := []struct {
		name  string
		input string
		want  string
	}{
		{name: "blank", input: "   ", want: ""},
		{name: "plain", input: "need more fee detail", want: "need more fee detail"},
		{name: "markup stripped", input: "<b>wrong</b> <script>alert(1)</script>fee", want: "wrong fee"},
		{name: "whitespace collapsed", input: "  line one\n\tline\r\ntwo  ", want: "line one line two"},
		{name: "entities kept readable", input: "fees & costs", want: "fees & costs"},
		{name: "quotes kept readable", input: `applicant's "late" claim`, want: `applicant's "late" claim`},
		{name: "escaped markup stays escaped", input: "&lt;b&gt;urgent&lt;/b&gt;", want: "&lt;b&gt;urgent&lt;/b&gt;"},
		{name: "double escaped ampersand decoded once", input: "&amp;lt;i&amp;gt;", want: "&lt;i&gt;"},
		{name: "reference survives", input: "Reissued from RF-1111-2222-3333-4444", want: "Reissued from RF-1111-2222-3333-4444"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeNote(tc.input); got != tc.want {
				t.Fatalf("expected %q got %q", tc.want, got)
			}
		})
	}
}

func TestSanitizeNoteTruncates(t *testing.T) {
	got := SanitizeNote(strings.Repeat("a", MaxNoteLength+50))
	if len([]rune(got)) != MaxNoteLength {
		t.Fatalf("expected %d runes, got %d", MaxNoteLength, len([]rune(got)))
	}
}
