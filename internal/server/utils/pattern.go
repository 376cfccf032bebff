package utils

import (
	"strings"

	"kestrel/internal/storage"
)

// FilterMailboxes applies reference and pattern matching according to RFC 3501.
// Matching INBOX is case-insensitive.
func FilterMailboxes(mailboxes []storage.MailboxInfo, reference, pattern string) []storage.MailboxInfo {
	canonical := BuildCanonicalPattern(reference, pattern, storage.Delimiter)

	var matches []storage.MailboxInfo
	for _, mb := range mailboxes {
		if MatchWildcard(mb.Name, canonical, storage.Delimiter) {
			matches = append(matches, mb)
		}
	}
	return matches
}

// BuildCanonicalPattern builds the canonical pattern from reference and mailbox pattern
func BuildCanonicalPattern(reference, pattern, delimiter string) string {
	// An absolute pattern ignores the reference
	if reference == "" || strings.HasPrefix(pattern, delimiter) {
		return pattern
	}
	if strings.HasSuffix(reference, delimiter) {
		return reference + pattern
	}
	return reference + delimiter + pattern
}

// MatchWildcard reports whether name matches an IMAP LIST pattern, where
// "*" matches anything and "%" matches anything but the delimiter.
func MatchWildcard(name, pattern, delimiter string) bool {
	name = foldInbox(name, delimiter)
	pattern = foldInbox(pattern, delimiter)

	// match[j] is true when name[:i] matches pattern[:j] for the current i
	match := make([]bool, len(pattern)+1)
	match[0] = true
	for j := 1; j <= len(pattern); j++ {
		match[j] = match[j-1] && isWildcard(pattern[j-1])
	}

	for i := 1; i <= len(name); i++ {
		c := name[i-1]
		prevDiag := match[0]
		match[0] = false
		for j := 1; j <= len(pattern); j++ {
			above := match[j]
			switch p := pattern[j-1]; p {
			case '*':
				match[j] = match[j-1] || above
			case '%':
				match[j] = match[j-1] || (above && string(c) != delimiter)
			default:
				match[j] = prevDiag && p == c
			}
			prevDiag = above
		}
	}
	return match[len(pattern)]
}

func isWildcard(c byte) bool {
	return c == '*' || c == '%'
}

// foldInbox upper-cases a leading INBOX hierarchy level.
func foldInbox(s, delimiter string) string {
	if strings.EqualFold(s, "INBOX") {
		return "INBOX"
	}
	if len(s) > 5 && strings.EqualFold(s[:5], "INBOX") && strings.HasPrefix(s[5:], delimiter) {
		return "INBOX" + s[5:]
	}
	return s
}
