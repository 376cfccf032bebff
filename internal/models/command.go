package models

import (
	"strings"
)

// ArgKind distinguishes the syntactic forms of a command argument.
type ArgKind int

const (
	ArgAtom ArgKind = iota
	ArgQuoted
	ArgLiteral
	ArgList
)

// Arg is one parsed command argument. List holds the children of a
// parenthesized list; Value holds the text of every other kind.
type Arg struct {
	Kind  ArgKind
	Value string
	List  []Arg
}

func Atom(v string) Arg    { return Arg{Kind: ArgAtom, Value: v} }
func Quoted(v string) Arg  { return Arg{Kind: ArgQuoted, Value: v} }
func Literal(v string) Arg { return Arg{Kind: ArgLiteral, Value: v} }
func List(items ...Arg) Arg {
	return Arg{Kind: ArgList, List: items}
}

// IsString reports whether the argument is an atom, quoted string or literal.
func (a Arg) IsString() bool {
	return a.Kind != ArgList
}

// IsNIL reports whether the argument is the NIL atom.
func (a Arg) IsNIL() bool {
	return a.Kind == ArgAtom && strings.EqualFold(a.Value, "NIL")
}

// String renders the argument back in a form close to how it was sent.
// Literals are rendered as their contents.
func (a Arg) String() string {
	switch a.Kind {
	case ArgQuoted:
		return Quote(a.Value)
	case ArgList:
		parts := make([]string, len(a.List))
		for i, item := range a.List {
			parts[i] = item.String()
		}
		return "(" + strings.Join(parts, " ") + ")"
	default:
		return a.Value
	}
}

// Command is one complete tagged client request.
type Command struct {
	Tag  string
	Verb string // upper-cased
	Args []Arg
}

// Arg returns the i-th argument and whether it exists.
func (c *Command) Arg(i int) (Arg, bool) {
	if i < 0 || i >= len(c.Args) {
		return Arg{}, false
	}
	return c.Args[i], true
}

// StringArg returns the i-th argument when it is string-valued.
func (c *Command) StringArg(i int) (string, bool) {
	a, ok := c.Arg(i)
	if !ok || !a.IsString() {
		return "", false
	}
	return a.Value, true
}

// Sub returns a command carrying the same tag with the arguments starting at
// index i reinterpreted as verb and arguments. It is used by UID.
func (c *Command) Sub(i int) (*Command, bool) {
	verb, ok := c.StringArg(i)
	if !ok {
		return nil, false
	}
	return &Command{
		Tag:  c.Tag,
		Verb: strings.ToUpper(verb),
		Args: c.Args[i+1:],
	}, true
}
