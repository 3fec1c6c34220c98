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

package trieindex

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/c0ding/stacks-blockchain/common"
)

// Counters tallies node reads/writes split by (node | back-pointer | leaf),
// kept for parity with the original implementation's test-only stats and
// exposed here as an always-on, cheap observability surface.
type Counters struct {
	NodeReads    uint64
	NodeWrites   uint64
	BackptrReads uint64
	LeafReads    uint64
	LeafWrites   uint64
}

func (c *Counters) countRead(ptr TriePtr, node *Node) {
	switch {
	case ptr.IsBackptr():
		c.BackptrReads++
	case node != nil && node.Kind == NodeLeaf:
		c.LeafReads++
	default:
		c.NodeReads++
	}
}

func (c *Counters) countWrite(node *Node) {
	if node.Kind == NodeLeaf {
		c.LeafWrites++
	} else {
		c.NodeWrites++
	}
}

// RamTrie is the in-RAM, append-mostly buffer for the trie currently being
// extended. Its TriePtr.Ptr fields are array indices, not byte offsets.
type RamTrie struct {
	BlockHeader common.BlockId
	Parent      common.BlockId
	ReadOnly    bool

	data     []entry
	Counters Counters
}

// New allocates an empty RamTrie for bhh extending parent, pre-sizing the
// backing slice to capacityHint entries.
func New(bhh, parent common.BlockId, capacityHint int) *RamTrie {
	if capacityHint <= 0 {
		capacityHint = 1024
	}
	return &RamTrie{
		BlockHeader: bhh,
		Parent:      parent,
		data:        make([]entry, 0, capacityHint),
	}
}

// ReadNodeHash looks up the hash stored at the array index ptr.Ptr.
func (r *RamTrie) ReadNodeHash(ptr TriePtr) (common.TrieHash, error) {
	if int(ptr.Ptr) >= len(r.data) {
		return common.TrieHash{}, notFoundErrorf("ram index %d out of range (len=%d)", ptr.Ptr, len(r.data))
	}
	e := r.data[ptr.Ptr]
	r.Counters.countRead(ptr, e.node)
	return e.hash, nil
}

// ReadNodeType returns a clone of the (node, hash) pair stored at ptr.Ptr.
func (r *RamTrie) ReadNodeType(ptr TriePtr) (*Node, common.TrieHash, error) {
	if int(ptr.Ptr) >= len(r.data) {
		return nil, common.TrieHash{}, notFoundErrorf("ram index %d out of range (len=%d)", ptr.Ptr, len(r.data))
	}
	e := r.data[ptr.Ptr]
	r.Counters.countRead(ptr, e.node)
	return cloneNode(e.node), e.hash, nil
}

// WriteNodeType implements the append-or-overwrite-last contract: writing
// at len(data) appends, writing at an existing index overwrites in place,
// writing past the end fails with NotFound.
func (r *RamTrie) WriteNodeType(ptr TriePtr, node *Node, hash common.TrieHash) error {
	if r.ReadOnly {
		return ErrReadOnly
	}
	idx := int(ptr.Ptr)
	switch {
	case idx == len(r.data):
		r.data = append(r.data, entry{node: node, hash: hash})
	case idx < len(r.data):
		r.data[idx] = entry{node: node, hash: hash}
	default:
		return notFoundErrorf("write at index %d beyond length %d", idx, len(r.data))
	}
	r.Counters.countWrite(node)
	return nil
}

// RootHash returns the hash stored at index 0, the root by invariant.
func (r *RamTrie) RootHash() common.TrieHash {
	if len(r.data) == 0 {
		return common.TrieHash{}
	}
	return r.data[0].hash
}

// LastPtr returns the current length of the buffer — the index the next
// WriteNodeType(len, ...) call will append at.
func (r *RamTrie) LastPtr() uint32 {
	return uint32(len(r.data))
}

// Format empties the buffer.
func (r *RamTrie) Format() {
	r.data = r.data[:0]
}

func cloneNode(n *Node) *Node {
	c := &Node{Kind: n.Kind}
	if n.Path != nil {
		c.Path = append([]byte(nil), n.Path...)
	}
	if n.Payload != nil {
		c.Payload = append([]byte(nil), n.Payload...)
	}
	if n.Children != nil {
		c.Children = append([]TriePtr(nil), n.Children...)
	}
	return c
}

// Dump serializes the trie into the on-disk blob layout: a breadth-first
// traversal computes byte offsets in a first pass, a second pass rewrites
// every non-empty non-back-pointer child to its computed offset, and the
// nodes are then written at those offsets. The tie-break rule that makes
// this self-consistent is that traversal order equals fixup-assignment
// order; any deviation yields a corrupt blob.
func (r *RamTrie) Dump() ([]byte, error) {
	if len(r.data) == 0 {
		return nil, corruptionErrorf("cannot dump an empty trie")
	}
	if r.data[0].node.Kind != NodeNode256 {
		return nil, corruptionErrorf("root is %s, expected Node256", r.data[0].node.Kind)
	}

	fifo := []uint32{0}
	nodeData := make([]*Node, 0, len(r.data))
	hashData := make([]common.TrieHash, 0, len(r.data))
	offsets := make([]uint32, 0, len(r.data))
	ptr := uint32(BlobHeaderLen)

	for len(fifo) > 0 {
		idx := fifo[0]
		fifo = fifo[1:]
		if int(idx) >= len(r.data) {
			return nil, corruptionErrorf("dump: dangling ram index %d", idx)
		}
		e := r.data[idx]
		ptr += NodeByteLen(e.node)
		if e.node.Kind != NodeLeaf {
			for _, child := range e.node.Children {
				if !child.Empty() && !child.IsBackptr() {
					fifo = append(fifo, child.Ptr)
				}
			}
		}
		nodeData = append(nodeData, cloneNode(e.node))
		hashData = append(hashData, e.hash)
		offsets = append(offsets, ptr)
	}

	// Second pass: rewrite children pointers to blob byte offsets, in the
	// exact order they were enqueued during the first pass.
	i := 0
	for _, node := range nodeData {
		if node.Kind == NodeLeaf {
			continue
		}
		for slot := range node.Children {
			c := &node.Children[slot]
			if !c.Empty() && !c.IsBackptr() {
				c.Ptr = offsets[i]
				i++
			}
		}
	}

	total := offsets[len(offsets)-1]
	blob := make([]byte, total)
	copy(blob[0:32], r.Parent.Bytes())
	binary.LittleEndian.PutUint32(blob[32:36], 0)

	cursor := uint32(BlobHeaderLen)
	for j, node := range nodeData {
		if j > 0 {
			cursor = offsets[j-1]
		}
		var buf bytes.Buffer
		if err := EncodeNode(node, hashData[j], &buf); err != nil {
			return nil, err
		}
		copy(blob[cursor:], buf.Bytes())
	}
	return blob, nil
}

type loadTask struct {
	offset    uint32
	patchIdx  int
	patchSlot int
}

// LoadRamTrie deserializes a blob into a RamTrie for bhh. Node pointers are
// rewritten from byte offsets into array indices assigned in breadth-first
// enqueue order (1, 2, 3, …); back-pointer slots are preserved unchanged.
// The root must be Node256, matching the in-RAM invariant; any other kind
// is a CorruptionError.
func LoadRamTrie(blob io.ReadSeeker, bhh common.BlockId) (*RamTrie, error) {
	var parentBuf [32]byte
	if _, err := blob.Seek(0, io.SeekStart); err != nil {
		return nil, ioErrorf("seek to header: %v", err)
	}
	if _, err := io.ReadFull(blob, parentBuf[:]); err != nil {
		return nil, corruptionErrorf("read parent header: %v", err)
	}
	var reserved [4]byte
	if _, err := io.ReadFull(blob, reserved[:]); err != nil {
		return nil, corruptionErrorf("read reserved header: %v", err)
	}

	if _, err := blob.Seek(BlobHeaderLen, io.SeekStart); err != nil {
		return nil, ioErrorf("seek to root: %v", err)
	}
	root, rootHash, err := DecodeNode(blob)
	if err != nil {
		return nil, err
	}
	if root.Kind != NodeNode256 {
		return nil, corruptionErrorf("root is %s, expected Node256", root.Kind)
	}

	r := &RamTrie{
		BlockHeader: bhh,
		Parent:      common.BlockIdFromBytes(parentBuf[:]),
		data:        []entry{{node: root, hash: rootHash}},
	}

	var queue []loadTask
	for slot, child := range root.Children {
		if !child.Empty() && !child.IsBackptr() {
			queue = append(queue, loadTask{offset: child.Ptr, patchIdx: 0, patchSlot: slot})
		}
	}

	for len(queue) > 0 {
		task := queue[0]
		queue = queue[1:]
		if _, err := blob.Seek(int64(task.offset), io.SeekStart); err != nil {
			return nil, ioErrorf("seek to %d: %v", task.offset, err)
		}
		node, hash, err := DecodeNode(blob)
		if err != nil {
			return nil, err
		}
		newIdx := uint32(len(r.data))
		r.data = append(r.data, entry{node: node, hash: hash})
		r.data[task.patchIdx].node.Children[task.patchSlot].Ptr = newIdx

		if node.Kind != NodeLeaf {
			for slot, child := range node.Children {
				if !child.Empty() && !child.IsBackptr() {
					queue = append(queue, loadTask{offset: child.Ptr, patchIdx: int(newIdx), patchSlot: slot})
				}
			}
		}
	}
	return r, nil
}
