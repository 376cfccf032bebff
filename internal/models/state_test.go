package models

import (
	"testing"
)

func TestClientState_Initialization(t *testing.T) {
	state := NewClientState("s1", "127.0.0.1:5000")

	if state.State != StateNotAuthenticated {
		t.Errorf("Expected initial state NotAuthenticated, got %s", state.State)
	}
	if state.Authenticated() {
		t.Error("Expected new session to be unauthenticated")
	}
	if state.Mailbox != "" {
		t.Error("Expected Mailbox to be empty by default")
	}
	if state.Username != "" {
		t.Error("Expected Username to be empty by default")
	}
}

func TestClientState_LoginSelectLogout(t *testing.T) {
	state := NewClientState("s1", "")

	if err := state.Apply(Transition{To: StateAuthenticated, Username: "alice"}); err != nil {
		t.Fatalf("login transition failed: %v", err)
	}
	if state.Username != "alice" {
		t.Errorf("Expected username alice, got '%s'", state.Username)
	}

	if err := state.Apply(Transition{To: StateSelected, Mailbox: "INBOX", ReadOnly: true}); err != nil {
		t.Fatalf("select transition failed: %v", err)
	}
	if state.Mailbox != "INBOX" || !state.ReadOnly {
		t.Errorf("Expected read-only INBOX selection, got '%s' ro=%v", state.Mailbox, state.ReadOnly)
	}

	// Switching mailboxes replaces the selection
	state.UpdateView(NewMailboxView(1, 5, []uint32{1, 2, 3, 4}))
	if state.View.Messages() != 4 {
		t.Errorf("Expected view to be recorded, got %+v", state.View)
	}
	if err := state.Apply(Transition{To: StateSelected, Mailbox: "Sent"}); err != nil {
		t.Fatalf("reselect failed: %v", err)
	}
	if state.Mailbox != "Sent" || state.ReadOnly {
		t.Errorf("Expected read-write Sent selection, got '%s' ro=%v", state.Mailbox, state.ReadOnly)
	}
	if state.View.Messages() != 0 {
		t.Error("Expected mailbox tracking to reset on reselect")
	}

	if err := state.Apply(Transition{To: StateAuthenticated}); err != nil {
		t.Fatalf("close transition failed: %v", err)
	}
	if state.Mailbox != "" {
		t.Error("Expected selection to be cleared")
	}
	if state.Username != "alice" {
		t.Error("Expected identity to survive CLOSE")
	}

	if err := state.Apply(Transition{To: StateLogout}); err != nil {
		t.Fatalf("logout transition failed: %v", err)
	}
	if state.State != StateLogout {
		t.Errorf("Expected Logout, got %s", state.State)
	}
}

func TestClientState_IllegalTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{StateNotAuthenticated, StateSelected},
		{StateNotAuthenticated, StateNotAuthenticated},
		{StateAuthenticated, StateNotAuthenticated},
		{StateSelected, StateNotAuthenticated},
		{StateLogout, StateAuthenticated},
		{StateLogout, StateLogout},
	}

	for _, tt := range tests {
		state := &ClientState{State: tt.from}
		if err := state.Apply(Transition{To: tt.to, Mailbox: "INBOX"}); err == nil {
			t.Errorf("Expected %s -> %s to be rejected", tt.from, tt.to)
		}
		if state.State != tt.from {
			t.Errorf("State changed on rejected transition: %s", state.State)
		}
	}
}

func TestClientState_SelectRequiresMailbox(t *testing.T) {
	state := &ClientState{State: StateAuthenticated}
	if err := state.Apply(Transition{To: StateSelected}); err == nil {
		t.Error("Expected selection without a mailbox name to fail")
	}
	if state.State != StateAuthenticated {
		t.Errorf("Expected Authenticated, got %s", state.State)
	}
}

func TestClientState_UpdateViewOutsideSelected(t *testing.T) {
	state := &ClientState{State: StateAuthenticated}
	state.UpdateView(NewMailboxView(1, 4, []uint32{1, 2, 3}))
	if state.View.Messages() != 0 {
		t.Error("Expected view to be ignored without a selection")
	}
}

func TestClientState_PendingQueue(t *testing.T) {
	state := NewClientState("s1", "")
	if state.Dequeue() != nil {
		t.Error("Expected empty queue")
	}

	state.Enqueue(&Command{Tag: "a1", Verb: "NOOP"})
	state.Enqueue(&Command{Tag: "a2", Verb: "NOOP"})

	snap := state.Snapshot()
	if snap.Pending != nil {
		t.Error("Expected snapshot to drop the pending queue")
	}

	if cmd := state.Dequeue(); cmd == nil || cmd.Tag != "a1" {
		t.Errorf("Expected a1 first, got %+v", cmd)
	}
	if cmd := state.Dequeue(); cmd == nil || cmd.Tag != "a2" {
		t.Errorf("Expected a2 second, got %+v", cmd)
	}
	if state.Dequeue() != nil {
		t.Error("Expected queue to be drained")
	}
}

func TestState_String(t *testing.T) {
	if StateSelected.String() != "Selected" {
		t.Errorf("Expected Selected, got %s", StateSelected.String())
	}
	if State(42).String() != "State(42)" {
		t.Errorf("Unexpected fallback name %s", State(42).String())
	}
}

func TestMailboxView_SeqNum(t *testing.T) {
	view := NewMailboxView(1, 10, []uint32{2, 5, 9})

	tests := []struct {
		uid  uint32
		want uint32
	}{
		{2, 1},
		{5, 2},
		{9, 3},
		{1, 0},
		{6, 0},
		{10, 0},
	}
	for _, tt := range tests {
		if got := view.SeqNum(tt.uid); got != tt.want {
			t.Errorf("SeqNum(%d): expected %d, got %d", tt.uid, tt.want, got)
		}
	}
}

func TestMailboxView_UIDSet(t *testing.T) {
	view := NewMailboxView(1, 10, []uint32{2, 5, 6, 9})

	tests := []struct {
		set  string
		want string
	}{
		{"1", "2"},
		{"2:3", "5:6"},
		{"2:*", "5:6,9"},
		{"*", "9"},
		{"1,4", "2,9"},
		{"5:7", ""},
	}
	for _, tt := range tests {
		set, err := ParseSeqSet(tt.set)
		if err != nil {
			t.Fatalf("parse %s: %v", tt.set, err)
		}
		if got := view.UIDSet(set).String(); got != tt.want {
			t.Errorf("UIDSet(%s): expected '%s', got '%s'", tt.set, tt.want, got)
		}
	}

	set, _ := ParseSeqSet("1:*")
	if got := (MailboxView{}).UIDSet(set); len(got) != 0 {
		t.Errorf("Expected nothing from an empty view, got %v", got)
	}
}

func TestMailboxView_Clone(t *testing.T) {
	view := NewMailboxView(1, 4, []uint32{1, 2, 3})
	cp := view.Clone()
	cp.UIDs[0] = 7
	if view.UIDs[0] != 1 {
		t.Error("Expected clone not to share UIDs")
	}
}
