package models

import (
	"reflect"
	"testing"
)

func TestParseSeqSet(t *testing.T) {
	set, err := ParseSeqSet("1:3,7,9:*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := SeqSet{{1, 3}, {7, 7}, {9, 0}}
	if !reflect.DeepEqual(set, want) {
		t.Errorf("Expected %v, got %v", want, set)
	}
	if set.String() != "1:3,7,9:*" {
		t.Errorf("Round trip mismatch: %s", set.String())
	}
}

func TestParseSeqSet_Invalid(t *testing.T) {
	for _, in := range []string{"", "0", "a", "1:", ":2", "1,,2", "-1", "4294967296"} {
		if _, err := ParseSeqSet(in); err == nil {
			t.Errorf("Expected %q to be rejected", in)
		}
	}
}

func TestSeqSet_Contains(t *testing.T) {
	set, _ := ParseSeqSet("2:4,*")
	tests := []struct {
		n, max uint32
		want   bool
	}{
		{1, 10, false},
		{2, 10, true},
		{4, 10, true},
		{5, 10, false},
		{10, 10, true},
		{3, 3, true},
	}
	for _, tt := range tests {
		if got := set.Contains(tt.n, tt.max); got != tt.want {
			t.Errorf("Contains(%d, %d) = %v, want %v", tt.n, tt.max, got, tt.want)
		}
	}
}

func TestSeqSet_ReversedRange(t *testing.T) {
	set, _ := ParseSeqSet("*:3")
	got := set.Expand(5)
	want := []uint32{3, 4, 5}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestFormatUIDs(t *testing.T) {
	if got := FormatUIDs([]uint32{1, 2, 3, 5, 7, 8}); got != "1:3,5,7:8" {
		t.Errorf("Unexpected compression %s", got)
	}
	if got := FormatUIDs(nil); got != "" {
		t.Errorf("Expected empty set, got %s", got)
	}
}
