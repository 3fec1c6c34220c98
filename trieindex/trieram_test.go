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
	"testing"

	"github.com/c0ding/stacks-blockchain/common"
	"github.com/davecgh/go-spew/spew"
	"github.com/stretchr/testify/require"
)

func blockIDFromByte(b byte) common.BlockId {
	var id common.BlockId
	id[0] = b
	return id
}

// buildSampleTrie builds a Node256 root with one leaf child at branch
// 0x0A, using the read-last-ptr-then-write-at-it discipline that makes
// the append-or-overwrite-last contract load bearing.
func buildSampleTrie(t *testing.T, bhh, parent common.BlockId) *RamTrie {
	t.Helper()
	ram := New(bhh, parent, 16)

	rootPtr := ram.LastPtr()
	root := NewNode(NodeNode256, nil)
	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(0xAA)))

	leafPtr := ram.LastPtr()
	leaf := NewLeaf([]byte{0x0A}, bytes.Repeat([]byte{0x01}, 40))
	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: leafPtr}, leaf, randHash(0xBB)))

	root.Children[0x0A] = TriePtr{Chr: 0x0A, ID: byte(NodeLeaf), Ptr: leafPtr}
	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(0xAA)))

	return ram
}

// trieCmp reports whether two RamTries are structurally equal: same
// number of entries, same kinds/hashes/paths/payloads and same child
// branch characters position for position. In-RAM ptr indices are allowed
// to differ in general, but the tries these tests build store their nodes
// in breadth-first order, which is the order Load assigns indices in, so an
// exact compare is the stronger and still valid check here.
func trieCmp(t *testing.T, a, b *RamTrie) bool {
	t.Helper()
	if len(a.data) != len(b.data) {
		t.Logf("length mismatch: %d vs %d", len(a.data), len(b.data))
		return false
	}
	for i := range a.data {
		ea, eb := a.data[i], b.data[i]
		if ea.hash != eb.hash || ea.node.Kind != eb.node.Kind || !bytes.Equal(ea.node.Path, eb.node.Path) {
			t.Logf("entry %d differs:\n%s\nvs\n%s", i, spew.Sdump(ea), spew.Sdump(eb))
			return false
		}
		if ea.node.Kind == NodeLeaf {
			if !bytes.Equal(ea.node.Payload, eb.node.Payload) {
				return false
			}
			continue
		}
		for slot := range ea.node.Children {
			if ea.node.Children[slot] != eb.node.Children[slot] {
				t.Logf("entry %d child %d differs: %+v vs %+v", i, slot, ea.node.Children[slot], eb.node.Children[slot])
				return false
			}
		}
	}
	return true
}

func TestRamTrieRootInvariant(t *testing.T) {
	ram := New(blockIDFromByte(1), common.Sentinel(), 4)
	root := NewNode(NodeNode256, nil)
	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: 0}, root, randHash(1)))
	require.Equal(t, NodeNode256, ram.data[0].node.Kind)
}

func TestRamTrieAppendOrOverwriteLast(t *testing.T) {
	ram := New(blockIDFromByte(2), common.Sentinel(), 4)
	n := NewNode(NodeNode256, nil)

	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: 0}, n, randHash(1)))
	require.EqualValues(t, 1, ram.LastPtr())

	require.NoError(t, ram.WriteNodeType(TriePtr{Ptr: 0}, n, randHash(2)))
	require.EqualValues(t, 1, ram.LastPtr(), "overwrite must not change length")

	err := ram.WriteNodeType(TriePtr{Ptr: 5}, n, randHash(3))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRamTrieDumpLoadRoundTrip(t *testing.T) {
	bhh := blockIDFromByte(0x02)
	parent := common.Sentinel()
	ram := buildSampleTrie(t, bhh, parent)

	blob, err := ram.Dump()
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(blob), BlobHeaderLen)

	loaded, err := LoadRamTrie(bytes.NewReader(blob), bhh)
	require.NoError(t, err)
	require.Equal(t, parent, loaded.Parent)
	require.True(t, trieCmp(t, ram, loaded))
}

func TestRamTrieDumpPointerFixupOffsetsInRange(t *testing.T) {
	ram := buildSampleTrie(t, blockIDFromByte(3), common.Sentinel())
	blob, err := ram.Dump()
	require.NoError(t, err)

	root, _, err := DecodeNode(bytes.NewReader(blob[BlobHeaderLen:]))
	require.NoError(t, err)
	for _, c := range root.Children {
		if c.Empty() || c.IsBackptr() {
			continue
		}
		require.GreaterOrEqual(t, c.Ptr, uint32(BlobHeaderLen))
		require.Less(t, c.Ptr, uint32(len(blob)))
	}
}

func TestLoadRejectsNonNode256Root(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(make([]byte, BlobHeaderLen))
	leaf := NewLeaf([]byte{1}, []byte("x"))
	require.NoError(t, EncodeNode(leaf, randHash(1), &buf))

	_, err := LoadRamTrie(bytes.NewReader(buf.Bytes()), blockIDFromByte(4))
	require.Error(t, err)
	require.ErrorIs(t, err, ErrCorruption)
}

func TestRamTrieFormatEmptiesBuffer(t *testing.T) {
	ram := buildSampleTrie(t, blockIDFromByte(5), common.Sentinel())
	require.NotZero(t, ram.LastPtr())
	ram.Format()
	require.Zero(t, ram.LastPtr())
}
