// Package workspace holds the shared file tree that collaborators view and
// edit. Trees are values: every mutation helper returns a freshly cloned
// tree and never touches the nodes it was given, so a reader holding the old
// root never observes a half-applied change.
package workspace

import (
	"errors"
	"fmt"
	"strings"
)

// Kind distinguishes files from directories.
type Kind string

const (
	KindFile      Kind = "file"
	KindDirectory Kind = "directory"
)

// maxDepth bounds recursion over trees that arrive from the network.
const maxDepth = 128

// ErrMalformedTree is returned by Validate for trees that must not be merged.
var ErrMalformedTree = errors.New("workspace: malformed tree")

// DirtyStatus is the version-control state of a file.
type DirtyStatus struct {
	Modified bool `json:"modified"`
	Staged   bool `json:"staged"`
}

// ResourceHandle is a capability opened by this process, such as a handle to
// a directory on the local disk. Handles are never serialized.
type ResourceHandle interface {
	// Location describes what the handle points at, for logs and the UI.
	Location() string
}

// Node is a file or directory. Path is the identity key used when merging
// and is unique within a tree.
type Node struct {
	Name     string       `json:"name"`
	Path     string       `json:"path"`
	Kind     Kind         `json:"kind"`
	Content  *string      `json:"content,omitempty"`
	Children []*Node      `json:"children,omitempty"`
	Dirty    *DirtyStatus `json:"dirtyStatus,omitempty"`

	// Local state. None of these travel over the wire.
	Expanded  bool           `json:"-"`
	LocalOnly bool           `json:"-"`
	Handle    ResourceHandle `json:"-"`
}

// IsDir reports whether the node is a directory.
func (n *Node) IsDir() bool { return n.Kind == KindDirectory }

// File returns a file node with the given content.
func File(path, content string) *Node {
	return &Node{Name: baseName(path), Path: path, Kind: KindFile, Content: &content}
}

// Dir returns a directory node holding children.
func Dir(path string, children ...*Node) *Node {
	if children == nil {
		children = []*Node{}
	}
	return &Node{Name: baseName(path), Path: path, Kind: KindDirectory, Children: children}
}

// Text returns the file content, or "" when the node has none.
func (n *Node) Text() string {
	if n.Content == nil {
		return ""
	}
	return *n.Content
}

// Clone deep-copies a node. Handles are copied by reference: the capability
// stays owned by this process.
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	if n.Content != nil {
		content := *n.Content
		out.Content = &content
	}
	if n.Dirty != nil {
		dirty := *n.Dirty
		out.Dirty = &dirty
	}
	if n.Children != nil {
		out.Children = Clone(n.Children)
	}
	return &out
}

// Clone deep-copies a sibling list. A nil list stays nil.
func Clone(nodes []*Node) []*Node {
	if nodes == nil {
		return nil
	}
	out := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		out = append(out, node.Clone())
	}
	return out
}

// Validate checks the structural expectations a remote tree must meet
// before it is folded into the local one: every node has a path and a known
// kind, paths are unique across the tree, children live under their
// parent's path, files carry no children and directories carry no content.
func Validate(nodes []*Node) error {
	seen := make(map[string]struct{})
	return validate(nodes, "", 0, seen)
}

func validate(nodes []*Node, parent string, depth int, seen map[string]struct{}) error {
	if depth > maxDepth {
		return fmt.Errorf("%w: deeper than %d levels", ErrMalformedTree, maxDepth)
	}
	for i, node := range nodes {
		if node == nil {
			return fmt.Errorf("%w: nil node at index %d under %q", ErrMalformedTree, i, parent)
		}
		if node.Path == "" {
			return fmt.Errorf("%w: empty path at index %d under %q", ErrMalformedTree, i, parent)
		}
		if parent != "" && !strings.HasPrefix(node.Path, parent+"/") {
			return fmt.Errorf("%w: %q is not under %q", ErrMalformedTree, node.Path, parent)
		}
		if _, dup := seen[node.Path]; dup {
			return fmt.Errorf("%w: duplicate path %q", ErrMalformedTree, node.Path)
		}
		seen[node.Path] = struct{}{}

		switch node.Kind {
		case KindFile:
			if len(node.Children) > 0 {
				return fmt.Errorf("%w: file %q has children", ErrMalformedTree, node.Path)
			}
		case KindDirectory:
			if node.Content != nil {
				return fmt.Errorf("%w: directory %q has content", ErrMalformedTree, node.Path)
			}
			if err := validate(node.Children, node.Path, depth+1, seen); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: %q has unknown kind %q", ErrMalformedTree, node.Path, node.Kind)
		}
	}
	return nil
}

// Strip prepares a tree for transmission. Local-only nodes are dropped and
// local state is cleared on everything else.
func Strip(nodes []*Node) []*Node {
	out := make([]*Node, 0, len(nodes))
	for _, node := range nodes {
		if node == nil || node.LocalOnly {
			continue
		}
		copied := *node
		copied.Expanded = false
		copied.Handle = nil
		if node.Content != nil {
			content := *node.Content
			copied.Content = &content
		}
		if node.Dirty != nil {
			dirty := *node.Dirty
			copied.Dirty = &dirty
		}
		if node.Children != nil {
			copied.Children = Strip(node.Children)
		}
		out = append(out, &copied)
	}
	return out
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}
