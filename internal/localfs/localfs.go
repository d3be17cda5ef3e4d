// Package localfs exposes directories on the local disk as workspace nodes.
//
// Load reads a directory into nodes, used by a host to seed the shared
// tree. A Mount keeps a local-only subtree in step with a directory: it is
// never sent to peers, carries a Handle naming the directory, and is
// reloaded whenever fsnotify reports a change below it.
package localfs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/fsnotify/fsnotify"

	"collabtext/internal/workspace"
)

// MaxFileSize is the largest file whose content is loaded.
const MaxFileSize = 1 << 20

// settle is how long the watcher waits for a burst of events to end.
const settle = 150 * time.Millisecond

// Handle is the resource handle of a mounted directory.
type Handle struct{ Dir string }

func (h Handle) Location() string { return h.Dir }

// Load reads dir into nodes whose paths start with prefix. Hidden entries,
// files over MaxFileSize and files that are not UTF-8 text are skipped.
func Load(dir, prefix string) ([]*workspace.Node, error) {
	return load(dir, prefix, 0)
}

func load(dir, prefix string, depth int) ([]*workspace.Node, error) {
	if depth > 64 {
		return nil, fmt.Errorf("%s: directory nesting too deep", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	nodes := []*workspace.Node{}
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, ".") {
			continue
		}
		full := filepath.Join(dir, name)
		path := name
		if prefix != "" {
			path = prefix + "/" + name
		}

		switch {
		case entry.IsDir():
			children, err := load(full, path, depth+1)
			if err != nil {
				return nil, err
			}
			nodes = append(nodes, workspace.Dir(path, children...))
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil || info.Size() > MaxFileSize {
				continue
			}
			data, err := os.ReadFile(full)
			if err != nil {
				return nil, err
			}
			if !utf8.Valid(data) {
				continue
			}
			nodes = append(nodes, workspace.File(path, string(data)))
		}
	}
	return nodes, nil
}

// Tree is where a Mount writes its subtree.
type Tree interface {
	EditTree(edit func([]*workspace.Node) ([]*workspace.Node, error)) error
}

// Mount mirrors one directory into a top-level local-only node.
type Mount struct {
	dir    string
	name   string
	tree   Tree
	logger *slog.Logger
}

// NewMount prepares a mount of dir at the top-level path name.
func NewMount(dir, name string, tree Tree, logger *slog.Logger) *Mount {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mount{dir: dir, name: name, tree: tree, logger: logger.With("mount", name)}
}

// Node loads the directory as a local-only node.
func (m *Mount) Node() (*workspace.Node, error) {
	children, err := Load(m.dir, m.name)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", m.dir, err)
	}
	node := workspace.Dir(m.name, children...)
	node.LocalOnly = true
	node.Expanded = true
	node.Handle = Handle{Dir: m.dir}
	return node, nil
}

// Refresh reloads the directory and swaps it into the tree.
func (m *Mount) Refresh() error {
	node, err := m.Node()
	if err != nil {
		return err
	}
	return m.tree.EditTree(func(tree []*workspace.Node) ([]*workspace.Node, error) {
		if existing := workspace.Find(tree, m.name); existing != nil {
			node.Expanded = existing.Expanded
		}
		return workspace.ReplaceSubtree(tree, node), nil
	})
}

// Watch refreshes the mount on every change below the directory until ctx
// ends. The first refresh happens immediately.
func (m *Mount) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := m.watchDirs(watcher); err != nil {
		return err
	}
	if err := m.Refresh(); err != nil {
		return err
	}
	m.logger.Info("watching directory", "dir", m.dir)

	timer := time.NewTimer(settle)
	timer.Stop()
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			m.logger.Debug("filesystem event", "name", event.Name, "op", event.Op.String())
			timer.Reset(settle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("filesystem watcher error", "error", err)
		case <-timer.C:
			// New directories need their own watch.
			if err := m.watchDirs(watcher); err != nil {
				m.logger.Warn("rescanning directories", "error", err)
			}
			if err := m.Refresh(); err != nil {
				m.logger.Warn("refreshing mount", "error", err)
			}
		}
	}
}

func (m *Mount) watchDirs(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(m.dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() {
			return nil
		}
		if path != m.dir && strings.HasPrefix(entry.Name(), ".") {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
