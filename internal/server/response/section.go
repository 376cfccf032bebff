// Package response extracts the parts of a stored message that FETCH and
// SEARCH return or inspect.
package response

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// SplitMessage separates the header block, including the blank line that
// ends it, from the body text.
func SplitMessage(msg []byte) (header, text []byte) {
	if i := bytes.Index(msg, []byte("\r\n\r\n")); i >= 0 {
		return msg[:i+4], msg[i+4:]
	}
	if i := bytes.Index(msg, []byte("\n\n")); i >= 0 {
		return msg[:i+2], msg[i+2:]
	}
	return msg, nil
}

// ParseHeader reads the header fields of msg. A malformed header yields
// whatever fields could be read.
func ParseHeader(msg []byte) textproto.Header {
	header, _ := SplitMessage(msg)
	h, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(header)))
	if err != nil {
		return textproto.Header{}
	}
	return h
}

// HeaderFields copies the stored lines of the fields of msg whose names
// are (or, with not set, are not) in names, followed by the terminating
// blank line. Folded continuation lines stay with their field.
func HeaderFields(msg []byte, names []string, not bool) []byte {
	header, _ := SplitMessage(msg)

	var buf bytes.Buffer
	keep := false
	for _, line := range headerLines(header) {
		if line[0] != ' ' && line[0] != '\t' {
			keep = wanted(fieldName(line), names) != not
		}
		if keep {
			buf.Write(line)
			if line[len(line)-1] != '\n' {
				buf.WriteString("\r\n")
			}
		}
	}
	buf.WriteString("\r\n")
	return buf.Bytes()
}

// headerLines splits a header block into lines that keep their line
// endings. The blank line ending the block is dropped.
func headerLines(header []byte) [][]byte {
	var lines [][]byte
	for len(header) > 0 {
		n := bytes.IndexByte(header, '\n') + 1
		if n == 0 {
			n = len(header)
		}
		line := header[:n]
		header = header[n:]
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
		lines = append(lines, line)
	}
	return lines
}

func fieldName(line []byte) string {
	i := bytes.IndexByte(line, ':')
	if i < 0 {
		return ""
	}
	return strings.TrimSpace(string(line[:i]))
}

func wanted(name string, names []string) bool {
	if name == "" {
		return false
	}
	for _, n := range names {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

// Partial applies an <offset.count> range to data.
func Partial(data []byte, offset, count int64) []byte {
	if offset >= int64(len(data)) {
		return nil
	}
	data = data[offset:]
	if count >= 0 && count < int64(len(data)) {
		data = data[:count]
	}
	return data
}

// ContainsFold reports whether s contains substr, ignoring case.
func ContainsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
