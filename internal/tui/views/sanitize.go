package views

import (
	"strings"
	"unicode"
)

// cleanBody prepares a peer-supplied message body for the thread view.
// Control characters are dropped so a message cannot move the cursor or
// change terminal modes, and continuation lines are indented under the
// sender header. Emoji modifiers and joiners are removed because tcell
// measures each codepoint separately and misaligns the rest of the line.
func cleanBody(s string) string {
	s = strings.ReplaceAll(strings.TrimRight(s, "\r\n"), "\r\n", "\n")
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n':
			return r
		case r == '\t':
			return ' '
		case unicode.IsControl(r), joinsGlyphs(r):
			return -1
		}
		return r
	}, strings.ReplaceAll(s, "\n", "\n  "))
}

func joinsGlyphs(r rune) bool {
	switch {
	case r >= 0x1F3FB && r <= 0x1F3FF: // skin tones
		return true
	case r == 0x200D:
		return true
	case r >= 0xFE00 && r <= 0xFE0F, r >= 0xE0100 && r <= 0xE01EF:
		return true
	}
	return false
}
