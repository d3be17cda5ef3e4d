package workspace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type diskHandle string

func (h diskHandle) Location() string { return string(h) }

func sampleTree() []*Node {
	return []*Node{
		Dir("src",
			File("src/a.txt", "hi"),
			Dir("src/pkg", File("src/pkg/b.go", "package pkg")),
		),
		File("README.md", "# readme"),
	}
}

func TestValidateAcceptsWellFormedTree(t *testing.T) {
	require.NoError(t, Validate(sampleTree()))
	require.NoError(t, Validate(nil))
}

func TestValidateRejectsMalformedTrees(t *testing.T) {
	content := "x"
	cases := map[string][]*Node{
		"nil node":          {nil},
		"empty path":        {{Kind: KindFile}},
		"unknown kind":      {{Path: "a", Kind: "symlink"}},
		"duplicate sibling": {File("a", ""), File("a", "")},
		"duplicate nested":  {Dir("d", File("d/x", "")), Dir("e", File("d/x", ""))},
		"file children":     {{Path: "f", Kind: KindFile, Children: []*Node{File("f/x", "")}}},
		"dir content":       {{Path: "d", Kind: KindDirectory, Content: &content}},
		"child outside dir": {Dir("d", File("other/x", ""))},
	}
	for name, tree := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, Validate(tree), ErrMalformedTree)
		})
	}
}

func TestCloneDoesNotAlias(t *testing.T) {
	original := sampleTree()
	copied := Clone(original)
	require.Equal(t, original, copied)

	*copied[0].Children[0].Content = "changed"
	copied[0].Children = append(copied[0].Children, File("src/new", ""))

	assert.Equal(t, "hi", original[0].Children[0].Text())
	assert.Len(t, original[0].Children, 2)
}

func TestStripDropsLocalState(t *testing.T) {
	tree := []*Node{
		{Path: "src", Kind: KindDirectory, Expanded: true, Handle: diskHandle("/tmp/src"), Children: []*Node{
			File("src/a.txt", "hi"),
		}},
		{Path: "mnt", Kind: KindDirectory, LocalOnly: true, Handle: diskHandle("/home/me"), Children: []*Node{}},
	}

	stripped := Strip(tree)

	require.Len(t, stripped, 1)
	assert.Equal(t, "src", stripped[0].Path)
	assert.False(t, stripped[0].Expanded)
	assert.Nil(t, stripped[0].Handle)
	assert.True(t, tree[0].Expanded, "input must not be modified")
	assert.NotNil(t, tree[0].Handle)
}

func TestSetContentReturnsNewTree(t *testing.T) {
	tree := sampleTree()

	next, ok := SetContent(tree, "src/pkg/b.go", "package pkg // edited")

	require.True(t, ok)
	assert.Equal(t, "package pkg // edited", Find(next, "src/pkg/b.go").Text())
	assert.True(t, Find(next, "src/pkg/b.go").Dirty.Modified)
	assert.Equal(t, "package pkg", Find(tree, "src/pkg/b.go").Text())

	_, ok = SetContent(tree, "src", "nope")
	assert.False(t, ok, "directories have no content")
}

func TestInsertAndRemove(t *testing.T) {
	tree := sampleTree()

	next, err := Insert(tree, "src/pkg", File("src/pkg/c.go", "package pkg"))
	require.NoError(t, err)
	assert.NotNil(t, Find(next, "src/pkg/c.go"))
	assert.Nil(t, Find(tree, "src/pkg/c.go"))

	_, err = Insert(tree, "README.md", File("README.md/x", ""))
	assert.Error(t, err)

	removed, ok := Remove(next, "src/a.txt")
	require.True(t, ok)
	assert.Nil(t, Find(removed, "src/a.txt"))
	assert.NotNil(t, Find(next, "src/a.txt"))
}

func TestSetExpanded(t *testing.T) {
	next, ok := SetExpanded(sampleTree(), "src/pkg", true)
	require.True(t, ok)
	assert.True(t, Find(next, "src/pkg").Expanded)

	_, ok = SetExpanded(sampleTree(), "README.md", true)
	assert.False(t, ok)
}

func TestFingerprintIgnoresLocalState(t *testing.T) {
	a := sampleTree()
	b := sampleTree()
	b[0].Expanded = true
	b[0].Handle = diskHandle("/tmp")
	b = append(b, &Node{Path: "mnt", Kind: KindDirectory, LocalOnly: true})

	assert.Equal(t, Fingerprint(a), Fingerprint(b))

	c, _ := SetContent(a, "src/a.txt", "bye")
	assert.NotEqual(t, Fingerprint(a), Fingerprint(c))
}

func TestLocalFingerprintSeesLocalOnlySubtrees(t *testing.T) {
	mount := Dir("mnt")
	mount.LocalOnly = true
	a := append(sampleTree(), mount)

	b := Clone(a)
	b, err := Insert(b, "mnt", File("mnt/out.py", "print(1)"))
	require.NoError(t, err)

	assert.Equal(t, Fingerprint(a), Fingerprint(b))
	assert.NotEqual(t, LocalFingerprint(a), LocalFingerprint(b))

	c := Clone(a)
	c[len(c)-1].Expanded = true
	assert.Equal(t, LocalFingerprint(a), LocalFingerprint(c))
}
