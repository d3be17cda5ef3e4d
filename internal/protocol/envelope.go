// Package protocol defines the messages peers exchange within a session.
//
// An Envelope is one of seven concrete types: Join, JoinRequest, SyncInit,
// Leave, Update, Heartbeat and SyncFiles. The set is closed; Decode rejects
// any other tag. Envelopes carry no sequence numbers or acknowledgements,
// so receivers must tolerate duplicates and any ordering across senders.
package protocol

import "collabtext/internal/workspace"

// Kind is the wire tag of an envelope.
type Kind string

const (
	KindJoin        Kind = "JOIN"
	KindJoinRequest Kind = "JOIN_REQUEST"
	KindSyncInit    Kind = "SYNC_INIT"
	KindLeave       Kind = "LEAVE"
	KindUpdate      Kind = "UPDATE"
	KindHeartbeat   Kind = "HEARTBEAT"
	KindSyncFiles   Kind = "SYNC_FILES"
)

// Cursor is a zero-based position in a text buffer.
type Cursor struct {
	Line   int `json:"line"`
	Column int `json:"column"`
}

// Participant is the full presence record of one collaborator. It is always
// sent and applied as a whole.
type Participant struct {
	ID             string  `json:"id"`
	DisplayName    string  `json:"displayName"`
	ColorTag       string  `json:"colorTag"`
	ActiveFilePath string  `json:"activeFilePath,omitempty"`
	Cursor         *Cursor `json:"cursorPosition,omitempty"`
	LiveContent    *string `json:"liveContentSnapshot,omitempty"`
	// LastActive is a unix millisecond timestamp, non-decreasing per
	// participant.
	LastActive int64 `json:"lastActiveTimestamp"`
}

// Clone returns a copy that shares no pointers with p.
func (p Participant) Clone() Participant {
	out := p
	if p.Cursor != nil {
		cursor := *p.Cursor
		out.Cursor = &cursor
	}
	if p.LiveContent != nil {
		content := *p.LiveContent
		out.LiveContent = &content
	}
	return out
}

// Envelope is implemented only by the message types in this package.
type Envelope interface {
	Kind() Kind
	envelope()
}

// Join announces a participant entering the session.
type Join struct{ Participant Participant }

// JoinRequest asks whoever holds host authority for a full snapshot.
type JoinRequest struct{ Participant Participant }

// SyncInit answers a JoinRequest with the host's complete tree.
type SyncInit struct{ Tree []*workspace.Node }

// Leave announces a participant departing.
type Leave struct{ ParticipantID string }

// Update carries a participant's full presence record, including live
// buffer content when they are editing.
type Update struct{ Participant Participant }

// Heartbeat signals that a participant is still attached.
type Heartbeat struct{ ParticipantID string }

// SyncFiles carries a complete tree after a structural edit.
type SyncFiles struct{ Tree []*workspace.Node }

func (Join) Kind() Kind        { return KindJoin }
func (JoinRequest) Kind() Kind { return KindJoinRequest }
func (SyncInit) Kind() Kind    { return KindSyncInit }
func (Leave) Kind() Kind       { return KindLeave }
func (Update) Kind() Kind      { return KindUpdate }
func (Heartbeat) Kind() Kind   { return KindHeartbeat }
func (SyncFiles) Kind() Kind   { return KindSyncFiles }

func (Join) envelope()        {}
func (JoinRequest) envelope() {}
func (SyncInit) envelope()    {}
func (Leave) envelope()       {}
func (Update) envelope()      {}
func (Heartbeat) envelope()   {}
func (SyncFiles) envelope()   {}

// SenderID returns the participant an envelope speaks for, or "" for tree
// snapshots, which are anonymous.
func SenderID(env Envelope) string {
	switch e := env.(type) {
	case Join:
		return e.Participant.ID
	case JoinRequest:
		return e.Participant.ID
	case Update:
		return e.Participant.ID
	case Leave:
		return e.ParticipantID
	case Heartbeat:
		return e.ParticipantID
	default:
		return ""
	}
}
