package models

import (
	"errors"
	"strconv"
	"strings"
)

// ErrBadSeqSet is returned for sequence sets that do not follow the grammar.
var ErrBadSeqSet = errors.New("invalid sequence set")

// SeqRange is an inclusive range of sequence numbers or UIDs. Zero stands for
// "*", the largest number in use.
type SeqRange struct {
	Start, Stop uint32
}

// SeqSet is a parsed sequence set, e.g. "1:3,7,9:*".
type SeqSet []SeqRange

// ParseSeqSet parses an IMAP sequence set.
func ParseSeqSet(s string) (SeqSet, error) {
	if s == "" {
		return nil, ErrBadSeqSet
	}

	var set SeqSet
	for _, part := range strings.Split(s, ",") {
		var r SeqRange
		var err error
		if i := strings.IndexByte(part, ':'); i >= 0 {
			if r.Start, err = parseSeqNumber(part[:i]); err != nil {
				return nil, err
			}
			if r.Stop, err = parseSeqNumber(part[i+1:]); err != nil {
				return nil, err
			}
		} else {
			if r.Start, err = parseSeqNumber(part); err != nil {
				return nil, err
			}
			r.Stop = r.Start
		}
		set = append(set, r)
	}
	return set, nil
}

func parseSeqNumber(s string) (uint32, error) {
	if s == "*" {
		return 0, nil
	}
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil || n == 0 {
		return 0, ErrBadSeqSet
	}
	return uint32(n), nil
}

// resolve substitutes max for "*" and orders the bounds.
func (r SeqRange) resolve(max uint32) (uint32, uint32) {
	start, stop := r.Start, r.Stop
	if start == 0 {
		start = max
	}
	if stop == 0 {
		stop = max
	}
	if start > stop {
		start, stop = stop, start
	}
	return start, stop
}

// Contains reports whether n is in the set, where max is the value of "*".
func (s SeqSet) Contains(n, max uint32) bool {
	for _, r := range s {
		start, stop := r.resolve(max)
		if n >= start && n <= stop {
			return true
		}
	}
	return false
}

// Expand lists the members of the set within 1..max in ascending order.
func (s SeqSet) Expand(max uint32) []uint32 {
	var out []uint32
	for n := uint32(1); n <= max; n++ {
		if s.Contains(n, max) {
			out = append(out, n)
		}
	}
	return out
}

func (s SeqSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = formatSeqNumber(r.Start)
		if r.Stop != r.Start {
			parts[i] += ":" + formatSeqNumber(r.Stop)
		}
	}
	return strings.Join(parts, ",")
}

func formatSeqNumber(n uint32) string {
	if n == 0 {
		return "*"
	}
	return strconv.FormatUint(uint64(n), 10)
}

// Ranges compresses an ascending list of numbers into a set of ranges.
func Ranges(nums []uint32) SeqSet {
	var set SeqSet
	for _, n := range nums {
		if len(set) > 0 && set[len(set)-1].Stop+1 == n {
			set[len(set)-1].Stop = n
			continue
		}
		set = append(set, SeqRange{Start: n, Stop: n})
	}
	return set
}

// FormatUIDs compresses an ascending list of numbers into sequence set
// syntax, as used by the COPYUID and APPENDUID response codes.
func FormatUIDs(nums []uint32) string {
	return Ranges(nums).String()
}
