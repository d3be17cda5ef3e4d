package workspace

import (
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Find returns the node at path, or nil.
func Find(nodes []*Node, path string) *Node {
	for _, node := range nodes {
		if node.Path == path {
			return node
		}
		if node.IsDir() {
			if found := Find(node.Children, path); found != nil {
				return found
			}
		}
	}
	return nil
}

// SetContent returns a copy of the tree with the file at path holding
// content and marked modified. The bool is false when no such file exists.
func SetContent(nodes []*Node, path, content string) ([]*Node, bool) {
	next := Clone(nodes)
	node := Find(next, path)
	if node == nil || node.Kind != KindFile {
		return nodes, false
	}
	node.Content = &content
	if node.Dirty == nil {
		node.Dirty = &DirtyStatus{}
	}
	node.Dirty.Modified = true
	return next, true
}

// SetExpanded returns a copy of the tree with the directory at path
// expanded or collapsed.
func SetExpanded(nodes []*Node, path string, expanded bool) ([]*Node, bool) {
	next := Clone(nodes)
	node := Find(next, path)
	if node == nil || !node.IsDir() {
		return nodes, false
	}
	node.Expanded = expanded
	return next, true
}

// Insert returns a copy of the tree with child added under the directory at
// parent, or at the root when parent is empty. A node already at the
// child's path is replaced in place.
func Insert(nodes []*Node, parent string, child *Node) ([]*Node, error) {
	if child == nil || child.Path == "" {
		return nodes, fmt.Errorf("%w: insert needs a path", ErrMalformedTree)
	}
	next := Clone(nodes)
	if parent == "" {
		return upsert(next, child.Clone()), nil
	}
	dir := Find(next, parent)
	if dir == nil || !dir.IsDir() {
		return nodes, fmt.Errorf("no directory at %q", parent)
	}
	dir.Children = upsert(dir.Children, child.Clone())
	return next, nil
}

func upsert(siblings []*Node, child *Node) []*Node {
	for i, node := range siblings {
		if node.Path == child.Path {
			siblings[i] = child
			return siblings
		}
	}
	return append(siblings, child)
}

// Remove returns a copy of the tree without the node at path.
func Remove(nodes []*Node, path string) ([]*Node, bool) {
	next, removed := remove(Clone(nodes), path)
	if !removed {
		return nodes, false
	}
	return next, true
}

func remove(nodes []*Node, path string) ([]*Node, bool) {
	for i, node := range nodes {
		if node.Path == path {
			return append(nodes[:i], nodes[i+1:]...), true
		}
		if node.IsDir() {
			if children, ok := remove(node.Children, path); ok {
				node.Children = children
				return nodes, true
			}
		}
	}
	return nodes, false
}

// ReplaceSubtree returns a copy of the tree where the top-level node at
// replacement.Path is swapped for replacement, or appended when absent.
func ReplaceSubtree(nodes []*Node, replacement *Node) []*Node {
	return upsert(Clone(nodes), replacement.Clone())
}

// Fingerprint hashes the transmissible shape of a tree. Two trees with the
// same fingerprint carry the same paths, kinds, content and dirty flags.
// Local-only subtrees are left out.
func Fingerprint(nodes []*Node) uint64 {
	digest := xxhash.New()
	fingerprint(digest, nodes, false)
	return digest.Sum64()
}

// LocalFingerprint is Fingerprint including local-only subtrees, for
// telling whether anything this process shows has changed.
func LocalFingerprint(nodes []*Node) uint64 {
	digest := xxhash.New()
	fingerprint(digest, nodes, true)
	return digest.Sum64()
}

func fingerprint(digest *xxhash.Digest, nodes []*Node, local bool) {
	for _, node := range nodes {
		if node.LocalOnly && !local {
			continue
		}
		if node.LocalOnly {
			digest.WriteString("~")
		}
		digest.WriteString(node.Path)
		digest.WriteString("\x00")
		digest.WriteString(string(node.Kind))
		digest.WriteString("\x00")
		if node.Content != nil {
			digest.WriteString(strconv.Itoa(len(*node.Content)))
			digest.WriteString(":")
			digest.WriteString(*node.Content)
		}
		if node.Dirty != nil {
			digest.WriteString(strconv.FormatBool(node.Dirty.Modified))
			digest.WriteString(strconv.FormatBool(node.Dirty.Staged))
		}
		if node.Children != nil {
			digest.WriteString("{")
			fingerprint(digest, node.Children, local)
			digest.WriteString("}")
		}
	}
}
