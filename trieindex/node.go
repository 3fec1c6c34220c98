// Copyright 2025 R5 Labs
// This file is part of the R5 Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Package trieindex implements the forest-of-tries storage engine: the
// binary node codec, the in-RAM trie buffer, the durable blob store and
// its SQLite backing, and the Store facade that ties them together.
package trieindex

import "github.com/c0ding/stacks-blockchain/common"

// NodeKind tags the five closed node variants. The four non-leaf kinds
// differ only in fan-out capacity.
type NodeKind byte

const (
	NodeLeaf NodeKind = iota
	NodeNode4
	NodeNode16
	NodeNode48
	NodeNode256
)

// NodeBackptrMask is the high bit of a serialized node-kind tag that marks
// a TriePtr as a back-pointer into an earlier block's trie.
const NodeBackptrMask byte = 0x80

func (k NodeKind) String() string {
	switch k {
	case NodeLeaf:
		return "Leaf"
	case NodeNode4:
		return "Node4"
	case NodeNode16:
		return "Node16"
	case NodeNode48:
		return "Node48"
	case NodeNode256:
		return "Node256"
	default:
		return "Unknown"
	}
}

// fanout returns the number of child slots for a non-leaf kind.
func (k NodeKind) fanout() int {
	switch k {
	case NodeNode4:
		return 4
	case NodeNode16:
		return 16
	case NodeNode48:
		return 48
	case NodeNode256:
		return 256
	default:
		return 0
	}
}

// IsBackptr reports whether id (a serialized or in-memory TriePtr.ID tag)
// carries the back-pointer bit.
func IsBackptr(id byte) bool {
	return id&NodeBackptrMask != 0
}

// SetBackptr returns id with the back-pointer bit set.
func SetBackptr(id byte) byte {
	return id | NodeBackptrMask
}

// ClearBackptr returns id with the back-pointer bit cleared.
func ClearBackptr(id byte) byte {
	return id &^ NodeBackptrMask
}

// kindFromID extracts the NodeKind from a possibly back-pointer-tagged tag.
func kindFromID(id byte) NodeKind {
	return NodeKind(ClearBackptr(id))
}

// TriePtr is a child pointer: the branch character, the tagged node-kind
// id, a context-dependent offset (array index in RAM, byte offset on
// disk), and the foreign block identifier used when the back-pointer bit
// is set.
type TriePtr struct {
	Chr       byte
	ID        byte
	Ptr       uint32
	BackBlock uint32
}

// Empty reports whether p is the zero-value "no child here" pointer. A
// TriePtr only participates in traversal/hash-writing when it is not empty.
func (p TriePtr) Empty() bool {
	return p.ID == 0 && p.Ptr == 0 && p.BackBlock == 0 && p.Chr == 0
}

// IsBackptr reports whether p's id tag carries the back-pointer bit.
func (p TriePtr) IsBackptr() bool {
	return IsBackptr(p.ID)
}

// Kind returns the node kind p points at, ignoring the back-pointer bit.
func (p TriePtr) Kind() NodeKind {
	return kindFromID(p.ID)
}

// Node is a decoded trie node: its kind, radix-path prefix, and either a
// leaf payload or an ordered array of child pointers sized to the kind's
// fan-out.
type Node struct {
	Kind     NodeKind
	Path     []byte
	Payload  []byte    // only meaningful when Kind == NodeLeaf
	Children []TriePtr // len == Kind.fanout() for non-leaf kinds
}

// NewNode allocates a zero-valued non-leaf node of the given kind with its
// children slice sized to the kind's fan-out.
func NewNode(kind NodeKind, path []byte) *Node {
	n := &Node{Kind: kind, Path: append([]byte(nil), path...)}
	if kind != NodeLeaf {
		n.Children = make([]TriePtr, kind.fanout())
	}
	return n
}

// NewLeaf allocates a leaf node carrying payload at path.
func NewLeaf(path, payload []byte) *Node {
	return &Node{
		Kind:    NodeLeaf,
		Path:    append([]byte(nil), path...),
		Payload: append([]byte(nil), payload...),
	}
}

// entry pairs a decoded node with its content hash, the unit RamTrie stores
// and the unit breadth-first traversal operates over.
type entry struct {
	node *Node
	hash common.TrieHash
}
