package models

import (
	"fmt"
	"io"
	"strings"
)

// Status is the condition carried by a status response.
type Status string

const (
	StatusOK      Status = "OK"
	StatusNO      Status = "NO"
	StatusBAD     Status = "BAD"
	StatusBYE     Status = "BYE"
	StatusPREAUTH Status = "PREAUTH"
)

const (
	UntaggedTag     = "*"
	ContinuationTag = "+"
)

// Response is one line (possibly carrying literals) written to the client.
// A response with an empty Status is untagged data, e.g. "* 3 EXISTS".
type Response struct {
	Tag    string
	Status Status
	Code   string // response code without brackets, e.g. "UIDVALIDITY 7"
	Text   string
	Data   string
}

// Untagged builds an untagged data response.
func Untagged(format string, args ...interface{}) Response {
	return Response{Tag: UntaggedTag, Data: fmt.Sprintf(format, args...)}
}

// UntaggedStatus builds "* <status> [code] text".
func UntaggedStatus(status Status, code, text string) Response {
	return Response{Tag: UntaggedTag, Status: status, Code: code, Text: text}
}

// Tagged builds a completion response for tag.
func Tagged(tag string, status Status, code, text string) Response {
	return Response{Tag: tag, Status: status, Code: code, Text: text}
}

// Continuation builds a "+ text" continuation request.
func Continuation(text string) Response {
	return Response{Tag: ContinuationTag, Text: text}
}

// IsTagged reports whether the response completes a command.
func (r Response) IsTagged() bool {
	return r.Tag != UntaggedTag && r.Tag != ContinuationTag
}

func (r Response) String() string {
	var b strings.Builder
	b.WriteString(r.Tag)

	if r.Status == "" && r.Tag != ContinuationTag {
		b.WriteByte(' ')
		b.WriteString(r.Data)
		return b.String()
	}

	if r.Status != "" {
		b.WriteByte(' ')
		b.WriteString(string(r.Status))
	}
	if r.Code != "" {
		b.WriteString(" [")
		b.WriteString(r.Code)
		b.WriteByte(']')
	}
	if r.Text != "" || r.Tag == ContinuationTag {
		b.WriteByte(' ')
		b.WriteString(r.Text)
	}
	return b.String()
}

// WriteTo writes the response followed by CRLF.
func (r Response) WriteTo(w io.Writer) (int64, error) {
	n, err := io.WriteString(w, r.String()+"\r\n")
	return int64(n), err
}

// Quote renders s as an IMAP quoted string.
func Quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// QuoteOrNIL quotes s, or returns NIL when s is empty.
func QuoteOrNIL(s string) string {
	if s == "" {
		return "NIL"
	}
	return Quote(s)
}

// FormatLiteral renders s as a synchronizing literal.
func FormatLiteral(s string) string {
	return fmt.Sprintf("{%d}\r\n%s", len(s), s)
}

// FormatString picks the lightest wire form able to carry s: an atom, a
// quoted string, or a literal when s holds CR, LF or 8-bit data.
func FormatString(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, "\r\n") || !isASCII(s) {
		return FormatLiteral(s)
	}
	if IsAtom(s) {
		return s
	}
	return Quote(s)
}

// IsAtom reports whether s can be sent without quoting.
func IsAtom(s string) bool {
	if s == "" || strings.EqualFold(s, "NIL") {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !IsAtomChar(s[i]) {
			return false
		}
	}
	return true
}

// IsAtomChar reports whether c may appear in an atom.
func IsAtomChar(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '{', '%', '*', '"', '\\', ']':
		return false
	}
	return true
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= 0x80 {
			return false
		}
	}
	return true
}

// FormatList renders items as a parenthesized, space separated list.
func FormatList(items []string) string {
	return "(" + strings.Join(items, " ") + ")"
}
