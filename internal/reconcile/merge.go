// Package reconcile folds a workspace tree received from a peer into the
// local tree.
//
// Nodes are matched by path, sibling list by sibling list. The remote side
// wins for everything it can transmit (content, dirty status, structure),
// and the local side keeps what never travels: resource handles, the
// local-only flag and the expanded flag. Nodes the remote side does not
// know about are kept after the remote ones, in their local order.
//
// Content is last-writer-wins. Two peers editing the same file concurrently
// are not reconciled; whichever snapshot is merged last replaces the other.
package reconcile

import "collabtext/internal/workspace"

// Merge returns a new tree combining local and remote. Neither input is
// modified and the result shares no nodes with them.
func Merge(local, remote []*workspace.Node) []*workspace.Node {
	if local == nil && remote == nil {
		return nil
	}
	byPath := make(map[string]*workspace.Node, len(local))
	for _, node := range local {
		byPath[node.Path] = node
	}

	merged := make([]*workspace.Node, 0, len(remote)+len(local))
	for _, theirs := range remote {
		ours, ok := byPath[theirs.Path]
		if !ok {
			merged = append(merged, theirs.Clone())
			continue
		}
		delete(byPath, theirs.Path)

		node := theirs.Clone()
		node.Handle = ours.Handle
		node.LocalOnly = ours.LocalOnly
		node.Expanded = ours.Expanded
		if ours.IsDir() && theirs.IsDir() {
			node.Children = Merge(ours.Children, theirs.Children)
		}
		merged = append(merged, node)
	}

	for _, ours := range local {
		if _, unmatched := byPath[ours.Path]; unmatched {
			merged = append(merged, ours.Clone())
		}
	}
	return merged
}
