package notify

import (
	"strings"
	"unicode/utf16"
)

const (
	// SoftLimit leaves headroom under Telegram's 4096 character ceiling.
	// Both are counted in UTF-16 code units.
	SoftLimit = 3900

	markdownV2Reserved = "\\_*[]()~`>#+-=|{}.!"
)

// continuationMarker starts every chunk after the first. It is already
// escaped for MarkdownV2.
var continuationMarker = EscapeMarkdownV2("(continued)") + "\n"

// EscapeMarkdownV2 backslash-escapes every MarkdownV2 reserved character.
func EscapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s) + len(s)/8)
	for _, r := range s {
		if strings.ContainsRune(markdownV2Reserved, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// UnescapeMarkdownV2 reverses EscapeMarkdownV2.
func UnescapeMarkdownV2(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	escaped := false
	for _, r := range s {
		if !escaped && r == '\\' {
			escaped = true
			continue
		}
		escaped = false
		b.WriteRune(r)
	}
	return b.String()
}

// FormatTelegram renders subject and body as escaped MarkdownV2 chunks of at
// most SoftLimit UTF-16 units each. Lines are packed greedily; a line longer than
// the limit is split without separating an escape from its character.
func FormatTelegram(subject, body string) []string {
	text := EscapeMarkdownV2(subject + "\n\n" + body)
	if textLen(text) <= SoftLimit {
		return []string{text}
	}

	markerLen := textLen(continuationMarker)
	var (
		chunks []string
		cur    strings.Builder
		curLen int
		open   bool // cur holds at least one line, possibly empty
	)
	budget := func() int {
		if len(chunks) == 0 {
			return SoftLimit
		}
		return SoftLimit - markerLen
	}
	flush := func() {
		if !open {
			return
		}
		if len(chunks) == 0 {
			chunks = append(chunks, cur.String())
		} else {
			chunks = append(chunks, continuationMarker+cur.String())
		}
		cur.Reset()
		curLen = 0
		open = false
	}

	for _, line := range strings.Split(text, "\n") {
		lineLen := textLen(line)
		if open && curLen+1+lineLen <= budget() {
			cur.WriteByte('\n')
			cur.WriteString(line)
			curLen += 1 + lineLen
			continue
		}
		flush()

		for lineLen > budget() {
			head, tail := splitUnits(line, budget())
			cur.WriteString(head)
			open = true
			flush()
			line = tail
			lineLen = textLen(line)
		}
		cur.WriteString(line)
		curLen = lineLen
		open = true
	}
	flush()
	return chunks
}

// textLen is the length of s as Telegram counts it: UTF-16 code units, so a
// character outside the Basic Multilingual Plane counts twice.
func textLen(s string) int {
	n := 0
	for _, r := range s {
		n += utf16.RuneLen(r)
	}
	return n
}

// splitUnits cuts s after at most n UTF-16 units without breaking a
// character, stepping back one rune when the cut would leave a dangling
// escape backslash at the end of head.
func splitUnits(s string, n int) (string, string) {
	runes := []rune(s)
	cut, units := 0, 0
	for cut < len(runes) {
		w := utf16.RuneLen(runes[cut])
		if units+w > n {
			break
		}
		units += w
		cut++
	}
	trailing := 0
	for i := cut - 1; i >= 0 && runes[i] == '\\'; i-- {
		trailing++
	}
	if trailing%2 == 1 {
		cut--
	}
	return string(runes[:cut]), string(runes[cut:])
}
