package uihub

import (
	"collabtext/internal/protocol"
	"collabtext/internal/workspace"
)

// command is a message from the browser.
type command struct {
	Type    string           `json:"type"`
	Path    string           `json:"path,omitempty"`
	Content *string          `json:"content,omitempty"`
	Cursor  *protocol.Cursor `json:"cursor,omitempty"`
}

func (c command) cursor() protocol.Cursor {
	if c.Cursor == nil {
		return protocol.Cursor{}
	}
	return *c.Cursor
}

// event is a message to the browser.
type event struct {
	Type        string                `json:"type"`
	State       *state                `json:"state,omitempty"`
	Path        string                `json:"path,omitempty"`
	Content     *string               `json:"content,omitempty"`
	Participant *protocol.Participant `json:"participant,omitempty"`
	ID          string                `json:"id,omitempty"`
	Message     string                `json:"message,omitempty"`
}

type state struct {
	Session      string                 `json:"session"`
	Link         string                 `json:"link"`
	Host         bool                   `json:"host"`
	Connecting   bool                   `json:"connecting"`
	Self         protocol.Participant   `json:"self"`
	Participants []protocol.Participant `json:"participants"`
	ActiveFile   string                 `json:"activeFile,omitempty"`
	Tree         []*nodeView            `json:"tree"`
}

// nodeView is a workspace node as the browser sees it, local state
// included.
type nodeView struct {
	Name      string                 `json:"name"`
	Path      string                 `json:"path"`
	Kind      workspace.Kind         `json:"kind"`
	Content   *string                `json:"content,omitempty"`
	Dirty     *workspace.DirtyStatus `json:"dirtyStatus,omitempty"`
	Expanded  bool                   `json:"expanded,omitempty"`
	LocalOnly bool                   `json:"localOnly,omitempty"`
	Location  string                 `json:"location,omitempty"`
	Children  []*nodeView            `json:"children,omitempty"`
}

func viewOf(nodes []*workspace.Node) []*nodeView {
	out := make([]*nodeView, 0, len(nodes))
	for _, node := range nodes {
		view := &nodeView{
			Name:      node.Name,
			Path:      node.Path,
			Kind:      node.Kind,
			Content:   node.Content,
			Dirty:     node.Dirty,
			Expanded:  node.Expanded,
			LocalOnly: node.LocalOnly,
		}
		if node.Handle != nil {
			view.Location = node.Handle.Location()
		}
		if node.IsDir() {
			view.Children = viewOf(node.Children)
		}
		out = append(out, view)
	}
	return out
}
