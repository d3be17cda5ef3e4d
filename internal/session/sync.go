package session

import (
	"fmt"

	"collabtext/internal/presence"
	"collabtext/internal/protocol"
	"collabtext/internal/reconcile"
	"collabtext/internal/workspace"
)

// Tree returns a copy of the current workspace tree.
func (s *Session) Tree() []*workspace.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	return workspace.Clone(s.tree)
}

// EditTree replaces the tree with the result of edit. When the edit changed
// anything a peer can see, the new tree is broadcast as SYNC_FILES; edits
// that only touch local state (expanded flags, local-only nodes) stay
// local. edit receives a private copy it may modify.
func (s *Session) EditTree(edit func([]*workspace.Node) ([]*workspace.Node, error)) error {
	s.mu.Lock()
	before := workspace.Fingerprint(s.tree)
	next, err := edit(workspace.Clone(s.tree))
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if err := workspace.Validate(next); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("edit produced an invalid tree: %w", err)
	}
	s.tree = next
	shared := workspace.Fingerprint(next) != before
	snapshot := workspace.Clone(next)
	s.mu.Unlock()

	if shared {
		s.transport.Send(protocol.SyncFiles{Tree: snapshot})
	}
	s.watchers.notify(struct{}{})
	return nil
}

// handle reacts to one inbound envelope.
func (s *Session) handle(env protocol.Envelope) {
	var replies []protocol.Envelope
	changed := false

	s.mu.Lock()
	switch e := env.(type) {
	case protocol.Join:
		transition := s.presence.Apply(e, s.now())
		changed = transition != presence.Ignored
		if changed && s.started {
			// Presence is announced by peers, never queried, so every
			// newcomer needs to hear from everyone already here.
			replies = append(replies, protocol.Update{Participant: s.self.Clone()})
		}
	case protocol.Update, protocol.Leave, protocol.Heartbeat:
		transition := s.presence.Apply(e, s.now())
		changed = transition == presence.Arrived || transition == presence.Replaced || transition == presence.Departed
	case protocol.JoinRequest:
		if s.host {
			s.logger.Info("answering join request", "from", e.Participant.ID)
			replies = append(replies, protocol.SyncInit{Tree: workspace.Clone(s.tree)})
		}
	case protocol.SyncInit:
		changed = s.applySnapshot(e.Tree, true)
	case protocol.SyncFiles:
		changed = s.applySnapshot(e.Tree, false)
	default:
		s.logger.Warn("ignoring envelope of unexpected type", "type", fmt.Sprintf("%T", env))
	}
	s.mu.Unlock()

	for _, reply := range replies {
		s.transport.Send(reply)
	}
	s.subscribers.notify(env)
	if changed {
		s.watchers.notify(struct{}{})
	}
}

// applySnapshot folds a remote tree into the local one. The first
// SYNC_INIT a connecting guest sees replaces the tree; every other snapshot
// is merged. Trees failing validation are dropped whole. Called with s.mu
// held; reports whether anything changed.
func (s *Session) applySnapshot(remote []*workspace.Node, initial bool) bool {
	if err := workspace.Validate(remote); err != nil {
		s.logger.Warn("rejecting snapshot", "initial", initial, "error", err)
		return false
	}

	if initial && s.connecting {
		next := workspace.Clone(remote)
		// Local-only areas belong to this process; a snapshot cannot
		// replace them. One the host also shares is folded into the
		// shared node so paths stay unique.
		for _, node := range s.tree {
			if !node.LocalOnly {
				continue
			}
			if i := indexOf(next, node.Path); i >= 0 {
				next[i] = reconcile.Merge([]*workspace.Node{node}, next[i:i+1])[0]
				continue
			}
			next = append(next, node.Clone())
		}
		s.tree = next
		s.connecting = false
		s.synced = true
		s.logger.Info("received initial snapshot", "nodes", len(remote))
		return true
	}

	before := workspace.LocalFingerprint(s.tree)
	s.tree = reconcile.Merge(s.tree, remote)
	if workspace.LocalFingerprint(s.tree) == before {
		s.logger.Debug("snapshot already applied")
		return false
	}
	return true
}

func indexOf(nodes []*workspace.Node, path string) int {
	for i, node := range nodes {
		if node.Path == path {
			return i
		}
	}
	return -1
}
