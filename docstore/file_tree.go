package docstore

import (
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
)

// FileTree is an immutable tree of named entries. Each node is either a
// file with contents or a directory of named children.
// Updates return a new tree and share unchanged subtrees with the old one.
// Callers must not modify returned contents.
type FileTree struct {
	isDir    bool
	contents []byte
	children map[string]*FileTree
}

func NewFile(contents []byte) *FileTree {
	return &FileTree{
		contents: contents,
	}
}

func NewDir(children map[string]*FileTree) *FileTree {
	return &FileTree{
		isDir:    true,
		children: maps.Clone(children),
	}
}

func EmptyDir() *FileTree {
	return NewDir(map[string]*FileTree{})
}

func (self *FileTree) IsDir() bool {
	return self.isDir
}

// Contents returns false for a directory.
func (self *FileTree) Contents() ([]byte, bool) {
	if self.isDir {
		return nil, false
	}
	return self.contents, true
}

// Child returns false for a file or a missing name.
func (self *FileTree) Child(name string) (*FileTree, bool) {
	if !self.isDir {
		return nil, false
	}
	child, ok := self.children[name]
	return child, ok
}

// sorted child names
func (self *FileTree) Names() []string {
	names := maps.Keys(self.children)
	slices.Sort(names)
	return names
}

func (self *FileTree) Len() int {
	return len(self.children)
}

func (self *FileTree) WithChild(name string, child *FileTree) *FileTree {
	return self.WithChildren(map[string]*FileTree{name: child})
}

// WithChildren adds or replaces children. The receiver must be a directory.
func (self *FileTree) WithChildren(children map[string]*FileTree) *FileTree {
	if !self.isDir {
		panic("WithChildren on a file")
	}
	nextChildren := maps.Clone(self.children)
	if nextChildren == nil {
		nextChildren = map[string]*FileTree{}
	}
	for name, child := range children {
		nextChildren[name] = child
	}
	return &FileTree{
		isDir:    true,
		children: nextChildren,
	}
}

func (self *FileTree) WithoutChild(name string) *FileTree {
	if !self.isDir {
		panic("WithoutChild on a file")
	}
	nextChildren := maps.Clone(self.children)
	delete(nextChildren, name)
	return &FileTree{
		isDir:    true,
		children: nextChildren,
	}
}

// DebugHierarchy renders the tree one name per line, children indented.
func (self *FileTree) DebugHierarchy(name string) string {
	var b strings.Builder
	self.debugHierarchy(&b, name, 0)
	return b.String()
}

func (self *FileTree) debugHierarchy(b *strings.Builder, name string, indent int) {
	b.WriteString(strings.Repeat("  ", indent))
	b.WriteString(name)
	if self.isDir {
		b.WriteString("/")
	}
	b.WriteString("\n")
	for _, childName := range self.Names() {
		self.children[childName].debugHierarchy(b, childName, indent+1)
	}
}
