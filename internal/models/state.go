package models

import (
	"fmt"
	"sort"
	"time"
)

// State is the protocol state of a single IMAP session.
type State int

const (
	StateNotAuthenticated State = iota
	StateAuthenticated
	StateSelected
	StateLogout
)

func (s State) String() string {
	switch s {
	case StateNotAuthenticated:
		return "NotAuthenticated"
	case StateAuthenticated:
		return "Authenticated"
	case StateSelected:
		return "Selected"
	case StateLogout:
		return "Logout"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// legalTransitions lists every edge of the session state graph.
var legalTransitions = map[State][]State{
	StateNotAuthenticated: {StateAuthenticated, StateLogout},
	StateAuthenticated:    {StateSelected, StateLogout},
	StateSelected:         {StateSelected, StateAuthenticated, StateLogout},
}

// CanTransition reports whether a session in state from may move to state to.
func CanTransition(from, to State) bool {
	for _, s := range legalTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition is requested by a handler on successful completion and applied
// by the connection loop that owns the session.
type Transition struct {
	To       State
	Username string // set when entering Authenticated from NotAuthenticated
	Mailbox  string // set when entering Selected
	ReadOnly bool   // EXAMINE
}

// MailboxView is what the session last told the client about its selected
// mailbox. UIDs holds the UID of every message the client knows, in
// sequence number order: message n has UIDs[n-1]. Sequence numbers in
// commands and responses are always relative to this list, never to the
// mailbox's current contents.
type MailboxView struct {
	UIDValidity uint32
	UIDNext     uint32
	UIDs        []uint32
}

// NewMailboxView builds a view over uids, which must be ascending.
func NewMailboxView(uidValidity, uidNext uint32, uids []uint32) MailboxView {
	return MailboxView{UIDValidity: uidValidity, UIDNext: uidNext, UIDs: uids}
}

// Messages is the message count the client was told about.
func (v MailboxView) Messages() uint32 {
	return uint32(len(v.UIDs))
}

// SeqNum returns the sequence number of uid, or 0 when the client does not
// know the message.
func (v MailboxView) SeqNum(uid uint32) uint32 {
	i := sort.Search(len(v.UIDs), func(i int) bool { return v.UIDs[i] >= uid })
	if i < len(v.UIDs) && v.UIDs[i] == uid {
		return uint32(i + 1)
	}
	return 0
}

// UIDSet translates a sequence set over the view into the UIDs it names.
// Sequence numbers beyond the view name nothing.
func (v MailboxView) UIDSet(set SeqSet) SeqSet {
	var uids []uint32
	for _, seq := range set.Expand(v.Messages()) {
		uids = append(uids, v.UIDs[seq-1])
	}
	return Ranges(uids)
}

// Clone returns a view that shares no memory with v.
func (v MailboxView) Clone() MailboxView {
	cp := v
	cp.UIDs = append([]uint32(nil), v.UIDs...)
	return cp
}

// ClientState holds the per-connection session. It is owned by exactly one
// connection goroutine; handlers only ever see a copy.
type ClientState struct {
	ID         string
	RemoteAddr string
	State      State
	Username   string
	Mailbox    string
	ReadOnly   bool
	StartedAt  time.Time

	// Mailbox state tracking for NOOP and other commands
	View MailboxView

	// Parsed commands awaiting dispatch, in arrival order
	Pending []*Command
}

// NewClientState returns a session in the initial state.
func NewClientState(id, remote string) *ClientState {
	return &ClientState{
		ID:         id,
		RemoteAddr: remote,
		State:      StateNotAuthenticated,
		StartedAt:  time.Now(),
	}
}

// Authenticated reports whether a user identity is bound to the session.
func (c *ClientState) Authenticated() bool {
	return c.State == StateAuthenticated || c.State == StateSelected
}

// Apply moves the session along t. The selected mailbox and identity only
// change here.
func (c *ClientState) Apply(t Transition) error {
	if !CanTransition(c.State, t.To) {
		return fmt.Errorf("illegal transition %s -> %s", c.State, t.To)
	}

	switch t.To {
	case StateAuthenticated:
		if c.State == StateNotAuthenticated {
			c.Username = t.Username
		}
		c.clearSelection()
	case StateSelected:
		if t.Mailbox == "" {
			return fmt.Errorf("transition to %s without a mailbox", t.To)
		}
		c.clearSelection()
		c.Mailbox = t.Mailbox
		c.ReadOnly = t.ReadOnly
	case StateLogout:
		c.clearSelection()
	}

	c.State = t.To
	return nil
}

func (c *ClientState) clearSelection() {
	c.Mailbox = ""
	c.ReadOnly = false
	c.View = MailboxView{}
}

// UpdateView records what was reported about the selected mailbox. It is a
// no-op outside the Selected state.
func (c *ClientState) UpdateView(v MailboxView) {
	if c.State == StateSelected {
		c.View = v
	}
}

// Enqueue appends a parsed command to the pending queue.
func (c *ClientState) Enqueue(cmd *Command) {
	c.Pending = append(c.Pending, cmd)
}

// Dequeue pops the oldest pending command, or nil when the queue is empty.
func (c *ClientState) Dequeue() *Command {
	if len(c.Pending) == 0 {
		return nil
	}
	cmd := c.Pending[0]
	c.Pending[0] = nil
	c.Pending = c.Pending[1:]
	return cmd
}

// Snapshot returns a copy of the session without the pending queue.
func (c *ClientState) Snapshot() ClientState {
	cp := *c
	cp.Pending = nil
	return cp
}
