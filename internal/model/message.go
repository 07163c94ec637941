package model

// MoveState tracks where a message stands in the folder-move heuristic.
type MoveState int

const (
	// MoveStateUndefined means the heuristic has not looked at the
	// message yet.
	MoveStateUndefined MoveState = iota

	// MoveStatePending means the message qualifies and a move decision
	// is outstanding.
	MoveStatePending

	// MoveStateMoving means a move job has been queued.
	MoveStateMoving

	// MoveStateStay means the message stays in its current folder.
	MoveStateStay
)

// String implements fmt.Stringer.
func (m MoveState) String() string {
	switch m {
	case MoveStateUndefined:
		return "undefined"
	case MoveStatePending:
		return "pending"
	case MoveStateMoving:
		return "moving"
	case MoveStateStay:
		return "stay"
	}
	return "unknown"
}

// Message is the sync-relevant view of a locally stored message. The
// full message body, chat assignment and rendering live with the
// embedding application; the sync core only needs server coordinates
// and a handful of flags.
type Message struct {
	// ID is the local message ID; jobs reference it as their foreign ID.
	ID int64

	// MessageID is the RFC 5322 Message-ID without angle brackets.
	MessageID string

	// Folder and UID locate the message on the server. Both empty/zero
	// when the server copy has not been seen yet.
	Folder string
	UID    uint32

	// IsChat marks messages produced by a chat client rather than a
	// plain MUA.
	IsChat bool

	// IsSetup marks self-sent key transfer messages, which must stay in
	// the inbox so other devices can find them.
	IsSetup bool

	// WantsMDN is set when the sender requested a read receipt.
	WantsMDN bool

	// Outgoing marks messages sent from this account.
	Outgoing bool

	// MoveState is the folder-move heuristic's verdict so far.
	MoveState MoveState
}
