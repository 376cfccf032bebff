package parser

import (
	"bytes"
	"strings"

	"kestrel/internal/models"
)

// scanner walks one framed command.
type scanner struct {
	b   []byte
	pos int
	tag string
}

func (s *scanner) eof() bool { return s.pos >= len(s.b) }

func (s *scanner) peek() byte { return s.b[s.pos] }

func (s *scanner) fail(msg string) error {
	return &ParseError{Tag: s.tag, Msg: msg}
}

func (s *scanner) skipSpaces() bool {
	start := s.pos
	for !s.eof() && s.peek() == ' ' {
		s.pos++
	}
	return s.pos > start
}

// parseCommand parses a framed command: a line plus any literals it carries,
// ending in the final line terminator.
func parseCommand(b []byte) (*models.Command, error) {
	b = bytes.TrimSuffix(b, []byte("\n"))
	b = trimCR(b)
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, errEmptyLine
	}

	s := &scanner{b: b}
	s.tag = recoverTag(b)
	if s.tag == "" {
		return nil, s.fail("invalid tag")
	}
	s.pos = len(s.tag)

	if !s.skipSpaces() || s.eof() {
		return nil, s.fail("missing command")
	}
	verb, err := s.atom()
	if err != nil {
		return nil, err
	}
	if verb == "" {
		return nil, s.fail("missing command")
	}

	args, err := s.list(0)
	if err != nil {
		return nil, err
	}

	return &models.Command{
		Tag:  s.tag,
		Verb: strings.ToUpper(verb),
		Args: args,
	}, nil
}

// list reads arguments until the end of the command (depth 0) or the
// closing parenthesis of the current list.
func (s *scanner) list(depth int) ([]models.Arg, error) {
	var args []models.Arg
	for {
		s.skipSpaces()
		if s.eof() {
			if depth > 0 {
				return nil, s.fail("unterminated list")
			}
			return args, nil
		}

		switch c := s.peek(); c {
		case ')':
			if depth == 0 {
				return nil, s.fail("unexpected )")
			}
			s.pos++
			if args == nil {
				args = []models.Arg{}
			}
			return args, nil
		case '(':
			s.pos++
			items, err := s.list(depth + 1)
			if err != nil {
				return nil, err
			}
			args = append(args, models.List(items...))
		case '"':
			v, err := s.quoted()
			if err != nil {
				return nil, err
			}
			args = append(args, models.Quoted(v))
		case '{':
			v, err := s.literal()
			if err != nil {
				return nil, err
			}
			args = append(args, models.Literal(v))
		default:
			v, err := s.atom()
			if err != nil {
				return nil, err
			}
			args = append(args, models.Atom(v))
		}
	}
}

// atom reads a bare token. A bracketed section such as
// BODY[HEADER.FIELDS (FROM)] is kept whole, spaces included.
func (s *scanner) atom() (string, error) {
	start := s.pos
	for !s.eof() {
		c := s.peek()
		switch c {
		case ' ', '(', ')', '"', '\r', '\n':
			return string(s.b[start:s.pos]), nil
		case '[':
			end := bytes.IndexByte(s.b[s.pos:], ']')
			if end < 0 {
				return "", s.fail("missing ]")
			}
			if bytes.ContainsAny(s.b[s.pos:s.pos+end], "\r\n") {
				return "", s.fail("missing ]")
			}
			s.pos += end + 1
		default:
			s.pos++
		}
	}
	return string(s.b[start:s.pos]), nil
}

func (s *scanner) quoted() (string, error) {
	s.pos++ // opening quote
	var sb strings.Builder
	for !s.eof() {
		c := s.peek()
		s.pos++
		switch c {
		case '"':
			return sb.String(), nil
		case '\\':
			if s.eof() {
				return "", s.fail("unterminated quoted string")
			}
			sb.WriteByte(s.peek())
			s.pos++
		case '\r', '\n':
			return "", s.fail("unterminated quoted string")
		default:
			sb.WriteByte(c)
		}
	}
	return "", s.fail("unterminated quoted string")
}

// literal reads "{n}" or "{n+}", the line ending and the n bytes that
// follow. Framing has already made sure the bytes are present.
func (s *scanner) literal() (string, error) {
	s.pos++ // {
	start := s.pos
	for !s.eof() && s.peek() >= '0' && s.peek() <= '9' {
		s.pos++
	}
	n, err := parseNumber(s.b[start:s.pos])
	if err != nil {
		return "", s.fail("invalid literal")
	}
	if !s.eof() && s.peek() == '+' {
		s.pos++
	}
	if s.eof() || s.peek() != '}' {
		return "", s.fail("invalid literal")
	}
	s.pos++

	if s.pos < len(s.b) && s.b[s.pos] == '\r' {
		s.pos++
	}
	if s.eof() || s.peek() != '\n' {
		return "", s.fail("invalid literal")
	}
	s.pos++

	if int64(len(s.b)-s.pos) < n {
		return "", s.fail("invalid literal")
	}
	v := string(s.b[s.pos : s.pos+int(n)])
	s.pos += int(n)
	return v, nil
}
