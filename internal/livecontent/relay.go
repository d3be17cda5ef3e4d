// Package livecontent mirrors open editor buffers between participants.
//
// Every local change to the open file or cursor is broadcast as the whole
// buffer through the session's presence record. A peer showing the same
// file overwrites its buffer with what it receives; there is no merge.
// Relayed buffers never touch the shared tree. Only Save writes content
// into the tree, which then travels as SYNC_FILES.
package livecontent

import (
	"fmt"
	"log/slog"
	"sync"

	"collabtext/internal/protocol"
	"collabtext/internal/session"
	"collabtext/internal/workspace"
)

// Editor is the local buffer the relay drives.
type Editor interface {
	// ActiveFile returns the path open locally, or "".
	ActiveFile() string
	// ReplaceBuffer overwrites the open buffer for path.
	ReplaceBuffer(path, content string)
	// ShowCursor places or moves the indicator for a peer's cursor.
	ShowCursor(peer protocol.Participant)
	// HideCursor removes the indicator for a peer.
	HideCursor(peerID string)
}

// Session is the part of session.Session the relay needs.
type Session interface {
	UpdateState(patch session.Patch) protocol.Participant
	Subscribe(fn func(protocol.Envelope)) (unsubscribe func())
	EditTree(edit func([]*workspace.Node) ([]*workspace.Node, error)) error
	Tree() []*workspace.Node
	CurrentUser() protocol.Participant
}

var _ Session = (*session.Session)(nil)

// Relay connects one Editor to a Session.
type Relay struct {
	session Session
	editor  Editor
	logger  *slog.Logger
	detach  func()

	mu      sync.Mutex
	showing map[string]string // peer id -> file their cursor is shown in
}

// New starts relaying inbound updates to editor.
func New(s Session, editor Editor, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Relay{
		session: s,
		editor:  editor,
		logger:  logger,
		showing: make(map[string]string),
	}
	r.detach = s.Subscribe(r.receive)
	return r
}

// Close stops relaying.
func (r *Relay) Close() { r.detach() }

// Open makes path the local active file and announces its content. The
// content comes from the shared tree.
func (r *Relay) Open(path string) (string, error) {
	node := workspace.Find(r.session.Tree(), path)
	if node == nil || node.Kind != workspace.KindFile {
		return "", fmt.Errorf("no file at %q", path)
	}
	content := node.Text()
	r.session.UpdateState(session.Patch{
		ActiveFilePath: &path,
		Cursor:         &protocol.Cursor{},
		LiveContent:    &content,
	})
	return content, nil
}

// Edit announces the full buffer after a local keystroke.
func (r *Relay) Edit(content string, cursor protocol.Cursor) {
	r.session.UpdateState(session.Patch{Cursor: &cursor, LiveContent: &content})
}

// MoveCursor announces a cursor move without a content change.
func (r *Relay) MoveCursor(cursor protocol.Cursor) {
	r.session.UpdateState(session.Patch{Cursor: &cursor})
}

// CloseFile clears the active file.
func (r *Relay) CloseFile() {
	none := ""
	r.session.UpdateState(session.Patch{ActiveFilePath: &none})
}

// Save writes content into the shared tree at path.
func (r *Relay) Save(path, content string) error {
	return r.session.EditTree(func(tree []*workspace.Node) ([]*workspace.Node, error) {
		next, ok := workspace.SetContent(tree, path, content)
		if !ok {
			return nil, fmt.Errorf("no file at %q", path)
		}
		return next, nil
	})
}

func (r *Relay) receive(env protocol.Envelope) {
	switch e := env.(type) {
	case protocol.Update:
		r.apply(e.Participant)
	case protocol.Leave:
		r.hide(e.ParticipantID)
	}
}

func (r *Relay) apply(peer protocol.Participant) {
	// Another transport can echo our own record back.
	if peer.ID == r.session.CurrentUser().ID {
		return
	}
	open := r.editor.ActiveFile()
	if open == "" || peer.ActiveFilePath != open {
		r.hide(peer.ID)
		return
	}
	if peer.LiveContent != nil {
		r.logger.Debug("overwriting buffer from peer", "path", open, "peer", peer.ID)
		r.editor.ReplaceBuffer(open, *peer.LiveContent)
	}
	if peer.Cursor != nil {
		r.mu.Lock()
		r.showing[peer.ID] = open
		r.mu.Unlock()
		r.editor.ShowCursor(peer)
	}
}

func (r *Relay) hide(peerID string) {
	r.mu.Lock()
	_, shown := r.showing[peerID]
	delete(r.showing, peerID)
	r.mu.Unlock()
	if shown {
		r.editor.HideCursor(peerID)
	}
}
