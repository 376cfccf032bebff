// Package parser turns the raw byte stream of an IMAP connection into tagged
// commands. It is purely syntactic: verbs and argument shapes are checked by
// the dispatcher and the handlers.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"kestrel/internal/models"
)

// ErrIncomplete is returned by Next and ReadLine when more bytes are needed.
var ErrIncomplete = errors.New("incomplete command")

var errEmptyLine = errors.New("empty line")

const (
	DefaultMaxLiteralSize = 50 << 20
	DefaultMaxLineLength  = 64 << 10
)

// ParseError reports a command that could not be parsed. Tag holds the tag
// recovered from the malformed command, or is empty when none was readable.
// A Fatal error means the stream can no longer be framed.
type ParseError struct {
	Tag   string
	Msg   string
	Fatal bool
}

func (e *ParseError) Error() string {
	if e.Tag == "" {
		return e.Msg
	}
	return fmt.Sprintf("%s: %s", e.Tag, e.Msg)
}

// Options bounds the resources a single client can make the parser hold.
type Options struct {
	MaxLiteralSize int64
	MaxLineLength  int
}

// Parser buffers bytes across reads and yields complete commands in arrival
// order. It is not safe for concurrent use; each connection owns one.
type Parser struct {
	opts Options
	buf  []byte

	// offset within buf of the synchronizing literal the parser is waiting
	// on, and of the last one a continuation was requested for
	wantCont int
	contSent int

	// bytes of an oversized non-synchronizing literal still to be dropped,
	// followed by the rest of its line
	discard     int64
	discardLine bool
}

// New returns a parser with zero-valued limits replaced by the defaults.
func New(opts Options) *Parser {
	if opts.MaxLiteralSize <= 0 {
		opts.MaxLiteralSize = DefaultMaxLiteralSize
	}
	if opts.MaxLineLength <= 0 {
		opts.MaxLineLength = DefaultMaxLineLength
	}
	return &Parser{opts: opts}
}

// Feed appends bytes read from the connection.
func (p *Parser) Feed(data []byte) {
	p.buf = append(p.buf, data...)
}

// Buffered returns the number of bytes held but not yet consumed.
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// NeedsContinuation reports whether the client is blocked on a synchronizing
// literal and must be sent a continuation request. It returns true at most
// once per literal.
func (p *Parser) NeedsContinuation() bool {
	if p.wantCont > 0 && p.wantCont != p.contSent {
		p.contSent = p.wantCont
		return true
	}
	return false
}

// Next returns the next complete command. It returns ErrIncomplete when the
// buffer holds only part of a command, and a *ParseError for a malformed one;
// in the latter case the offending command has been consumed and Next can be
// called again.
func (p *Parser) Next() (*models.Command, error) {
	for {
		if !p.skipDiscarded() {
			return nil, ErrIncomplete
		}
		if len(p.buf) == 0 {
			return nil, ErrIncomplete
		}

		n, err := p.frame()
		if err != nil {
			return nil, err
		}

		cmd, err := parseCommand(p.buf[:n])
		p.consume(n)
		if err == errEmptyLine {
			continue
		}
		if err != nil {
			return nil, err
		}
		return cmd, nil
	}
}

// ReadLine returns the next line without its line ending. It is used for
// exchanges that are not commands, such as SASL responses.
func (p *Parser) ReadLine() (string, error) {
	i := bytes.IndexByte(p.buf, '\n')
	if i < 0 {
		if len(p.buf) > p.opts.MaxLineLength {
			return "", p.lineTooLong()
		}
		return "", ErrIncomplete
	}
	if i > p.opts.MaxLineLength {
		return "", p.lineTooLong()
	}
	line := string(trimCR(p.buf[:i]))
	p.consume(i + 1)
	return line, nil
}

func (p *Parser) consume(n int) {
	p.buf = append(p.buf[:0], p.buf[n:]...)
	p.wantCont = 0
	p.contSent = 0
}

func (p *Parser) skipDiscarded() bool {
	if p.discard > 0 {
		n := int64(len(p.buf))
		if n > p.discard {
			n = p.discard
		}
		p.buf = append(p.buf[:0], p.buf[n:]...)
		p.discard -= n
		if p.discard > 0 {
			return false
		}
	}
	if p.discardLine {
		i := bytes.IndexByte(p.buf, '\n')
		if i < 0 {
			p.buf = p.buf[:0]
			return false
		}
		p.buf = append(p.buf[:0], p.buf[i+1:]...)
		p.discardLine = false
	}
	return true
}

func (p *Parser) lineTooLong() error {
	return &ParseError{Tag: recoverTag(p.buf), Msg: "line too long", Fatal: true}
}

// frame returns the length of the command at the start of the buffer,
// including every literal it announces and its final line ending.
func (p *Parser) frame() (int, error) {
	pos := 0
	for {
		i := bytes.IndexByte(p.buf[pos:], '\n')
		if i < 0 {
			if len(p.buf)-pos > p.opts.MaxLineLength {
				return 0, p.lineTooLong()
			}
			return 0, ErrIncomplete
		}
		if i > p.opts.MaxLineLength {
			return 0, p.lineTooLong()
		}

		lineEnd := pos + i + 1
		size, sync, ok := literalMarker(trimCR(p.buf[pos : lineEnd-1]))
		if !ok {
			return lineEnd, nil
		}

		if size > p.opts.MaxLiteralSize {
			perr := &ParseError{Tag: recoverTag(p.buf), Msg: "literal too large"}
			p.consume(lineEnd)
			if !sync {
				p.discard = size
				p.discardLine = true
			}
			return 0, perr
		}

		if int64(len(p.buf)-lineEnd) < size {
			if sync {
				p.wantCont = lineEnd
			}
			return 0, ErrIncomplete
		}
		pos = lineEnd + int(size)
	}
}

// literalMarker recognizes a trailing "{n}" or "{n+}" on line.
func literalMarker(line []byte) (size int64, sync bool, ok bool) {
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false, false
	}
	open := bytes.LastIndexByte(line, '{')
	if open < 0 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	sync = true
	if len(digits) > 0 && digits[len(digits)-1] == '+' {
		digits = digits[:len(digits)-1]
		sync = false
	}
	n, err := parseNumber(digits)
	if err != nil {
		return 0, false, false
	}
	return n, sync, true
}

func parseNumber(b []byte) (int64, error) {
	if len(b) == 0 {
		return 0, strconv.ErrSyntax
	}
	for _, c := range b {
		if c < '0' || c > '9' {
			return 0, strconv.ErrSyntax
		}
	}
	return strconv.ParseInt(string(b), 10, 64)
}

func trimCR(b []byte) []byte {
	if len(b) > 0 && b[len(b)-1] == '\r' {
		return b[:len(b)-1]
	}
	return b
}

// recoverTag returns the leading tag of b if it is well formed.
func recoverTag(b []byte) string {
	end := bytes.IndexAny(b, " \r\n")
	if end < 0 {
		end = len(b)
	}
	tag := b[:end]
	if !validTag(tag) {
		return ""
	}
	return string(tag)
}

func validTag(tag []byte) bool {
	if len(tag) == 0 {
		return false
	}
	for _, c := range tag {
		if c == '+' || !models.IsAtomChar(c) {
			return false
		}
	}
	return true
}
