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
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/c0ding/stacks-blockchain/common"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "trie.db")
	s, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

// writeRootAndLeaf populates s's currently extending trie with a Node256
// root plus a single leaf child at branch chr carrying payload.
func writeRootAndLeaf(t *testing.T, s *Store, chr byte, payload []byte) {
	t.Helper()
	rootPtr := s.lastExtended.LastPtr()
	root := NewNode(NodeNode256, nil)
	require.NoError(t, s.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(0xAA)))

	leafPtr := s.lastExtended.LastPtr()
	leaf := NewLeaf([]byte{chr}, payload)
	require.NoError(t, s.WriteNodeType(TriePtr{Ptr: leafPtr}, leaf, randHash(0xBB)))

	root.Children[chr] = TriePtr{Chr: chr, ID: byte(NodeLeaf), Ptr: leafPtr}
	require.NoError(t, s.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(0xAA)))
}

// TestSingleBlockPersist is scenario S1.
func TestSingleBlockPersist(t *testing.T) {
	s, path := newTestStore(t)
	bhh := blockIDFromByte(0x02)

	require.NoError(t, s.ExtendToBlock(bhh))
	writeRootAndLeaf(t, s, 0x0A, bytes.Repeat([]byte{0x00}, 39))
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())

	ro, err := OpenReadOnly(path, DefaultConfig())
	require.NoError(t, err)
	defer ro.Close()

	require.NoError(t, ro.OpenBlock(bhh))
	root, _, err := ro.ReadNodeType(ro.RootTriePtr())
	require.NoError(t, err)
	require.Equal(t, NodeNode256, root.Kind)

	child := root.Children[0x0A]
	require.False(t, child.Empty())
	leaf, _, err := ro.ReadNodeType(child)
	require.NoError(t, err)
	require.Equal(t, NodeLeaf, leaf.Kind)
	require.Equal(t, bytes.Repeat([]byte{0x00}, 39), leaf.Payload)

	rootHash, err := ro.ReadBlockRootHash(bhh)
	require.NoError(t, err)
	require.Equal(t, randHash(0xAA), rootHash)

	_, nodeWrites := s.NodeStats()
	require.Equal(t, uint64(2), nodeWrites, "root is written twice: empty, then with the leaf wired in")
	_, leafWrites := s.LeafStats()
	require.Equal(t, uint64(1), leafWrites)
}

// TestParentLinkage is scenario S2.
func TestParentLinkage(t *testing.T) {
	s, _ := newTestStore(t)
	bhhA := blockIDFromByte(0xA1)
	bhhB := blockIDFromByte(0xB2)

	require.NoError(t, s.ExtendToBlock(bhhA))
	writeRootAndLeaf(t, s, 0x01, bytes.Repeat([]byte{0x11}, 39))
	require.NoError(t, s.Flush())

	require.NoError(t, s.ExtendToBlock(bhhB))
	writeRootAndLeaf(t, s, 0x02, bytes.Repeat([]byte{0x22}, 39))
	require.NoError(t, s.Flush())

	idB, err := s.GetBlockIdentifier(bhhB)
	require.NoError(t, err)
	r, err := s.db.OpenTrieBlob(idB)
	require.NoError(t, err)
	var parentBuf [32]byte
	_, err = io.ReadFull(r, parentBuf[:])
	require.NoError(t, err)
	require.Equal(t, bhhA, common.BlockIdFromBytes(parentBuf[:]))

	table, err := s.ReadRootToBlockTable()
	require.NoError(t, err)
	require.Len(t, table, 2)
	seen := map[common.BlockId]bool{}
	for _, row := range table {
		seen[row.BlockHash] = true
	}
	require.True(t, seen[bhhA])
	require.True(t, seen[bhhB])
}

// TestUnconfirmedReload is scenario S3.
func TestUnconfirmedReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.db")
	s, err := OpenUnconfirmed(path, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	bhh := blockIDFromByte(0xC3)
	created, err := s.ExtendToUnconfirmedBlock(bhh)
	require.NoError(t, err)
	require.True(t, created)

	rootPtr := s.lastExtended.LastPtr()
	root := NewNode(NodeNode256, nil)
	require.NoError(t, s.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(1)))
	for i := byte(0); i < 16; i++ {
		leafPtr := s.lastExtended.LastPtr()
		leaf := NewLeaf([]byte{i}, bytes.Repeat([]byte{i}, 31))
		require.NoError(t, s.WriteNodeType(TriePtr{Ptr: leafPtr}, leaf, randHash(i+2)))
		root.Children[i] = TriePtr{Chr: i, ID: byte(NodeLeaf), Ptr: leafPtr}
	}
	require.NoError(t, s.WriteNodeType(TriePtr{Ptr: rootPtr}, root, randHash(1)))

	preFlush := s.lastExtended
	require.NoError(t, s.Flush())

	created, err = s.ExtendToUnconfirmedBlock(bhh)
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, trieCmp(t, preFlush, s.lastExtended))
}

// TestDropUnconfirmed is scenario S4.
func TestDropUnconfirmed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.db")
	s, err := OpenUnconfirmed(path, DefaultConfig())
	require.NoError(t, err)
	defer s.Close()

	bhh := blockIDFromByte(0xD4)
	_, err = s.ExtendToUnconfirmedBlock(bhh)
	require.NoError(t, err)
	writeRootAndLeaf(t, s, 0x01, bytes.Repeat([]byte{0x02}, 39))
	require.NoError(t, s.Flush())
	require.True(t, s.HasUnconfirmedBlock(bhh))

	require.NoError(t, s.DropUnconfirmedTrie(bhh))
	require.False(t, s.HasUnconfirmedBlock(bhh))

	err = s.OpenBlock(bhh)
	require.ErrorIs(t, err, ErrNotFound)
}

// TestLockContention is scenario S5. s1 holds the extension lock through
// ExtendToBlock; a second caller on its own goroutine, sharing s1's backing
// store (bypassing the coarser process-level flock, which is covered
// separately by TestProcessLockRejectsSecondOpen), then tries to take the
// same block-hash extension lock and is refused.
func TestLockContention(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.db")
	cfg := DefaultConfig()

	s1, err := Open(path, cfg)
	require.NoError(t, err)
	defer s1.Close()

	bhh := blockIDFromByte(0xE5)
	require.NoError(t, s1.ExtendToBlock(bhh))

	var g errgroup.Group
	var loserGotLock bool
	g.Go(func() error {
		ok, lockErr := s1.db.LockBHHForExtension(bhh, false)
		loserGotLock = ok
		return lockErr
	})
	require.NoError(t, g.Wait())
	require.False(t, loserGotLock, "a second lock attempt on an already-locked bhh must fail")

	s1.DropExtendingTrie()
	ok, err := s1.db.LockBHHForExtension(bhh, false)
	require.NoError(t, err)
	require.True(t, ok, "lock is available again after DropExtendingTrie")
}

// TestProcessLockRejectsSecondOpen covers the process-level flock sidecar:
// a second Store pointed at the same datadir fails fast instead of
// silently interleaving SQLite connections.
func TestProcessLockRejectsSecondOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.db")
	s1, err := Open(path, DefaultConfig())
	require.NoError(t, err)
	defer s1.Close()

	_, err = Open(path, DefaultConfig())
	require.Error(t, err)
	require.ErrorIs(t, err, ErrExists)
}

// TestRetarget is scenario S6.
func TestRetarget(t *testing.T) {
	s, _ := newTestStore(t)
	placeholder := common.BlockId{} // all-zero placeholder
	real := blockIDFromByte(0xAB)

	require.NoError(t, s.ExtendToBlock(placeholder))
	writeRootAndLeaf(t, s, 0x01, bytes.Repeat([]byte{0x03}, 39))
	require.NoError(t, s.FlushTo(real))

	require.False(t, s.HasConfirmedBlock(placeholder))
	require.True(t, s.HasConfirmedBlock(real))
	require.Equal(t, real, s.GetCurBlock())
}

func TestGetCurBlockIdentifierRejectsExtendingTrie(t *testing.T) {
	s, _ := newTestStore(t)
	bhh := blockIDFromByte(0xF6)
	require.NoError(t, s.ExtendToBlock(bhh))

	_, err := s.GetCurBlockIdentifier()
	require.ErrorIs(t, err, ErrRequestedIdentifierForExtensionTrie)
}

func TestWriteChildrenHashesSubstitution(t *testing.T) {
	s, _ := newTestStore(t)
	bhhA := blockIDFromByte(0x71)
	require.NoError(t, s.ExtendToBlock(bhhA))
	writeRootAndLeaf(t, s, 0x01, bytes.Repeat([]byte{0x09}, 39))
	require.NoError(t, s.Flush())
	idA, err := s.GetBlockIdentifier(bhhA)
	require.NoError(t, err)

	bhhB := blockIDFromByte(0x72)
	require.NoError(t, s.ExtendToBlock(bhhB))

	n := NewNode(NodeNode4, nil)
	n.Children[0] = TriePtr{} // empty
	n.Children[1] = TriePtr{Chr: 0x01, ID: SetBackptr(byte(NodeLeaf)), Ptr: 0, BackBlock: idA}

	var buf bytes.Buffer
	require.NoError(t, s.writeChildrenHashes(n, &buf))
	require.Equal(t, 4*common.HashLength, buf.Len())

	require.Equal(t, emptyHash[:], buf.Bytes()[0:32])
	bhhBytes, err := s.GetBlockHash(idA)
	require.NoError(t, err)
	require.Equal(t, bhhBytes.Bytes(), buf.Bytes()[32:64])
}

func TestBusyRetryEventuallyFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BusyRetryBase = time.Millisecond
	cfg.BusyRetryMax = 2
	db, err := openSQLStore(InMemoryPath, false, cfg)
	require.NoError(t, err)
	defer db.Close()

	attempts := 0
	err = db.withBusyRetry(func() error {
		attempts++
		return fmt.Errorf("database is locked")
	})
	require.ErrorIs(t, err, ErrBusy)
	require.Equal(t, 2, attempts)
}

// TestReopenReadOnly checks that a read-only snapshot can be taken of a live
// writer Store once nothing is extending, and that it sees committed data.
func TestReopenReadOnly(t *testing.T) {
	s, _ := newTestStore(t)
	bhh := blockIDFromByte(0x51)
	require.NoError(t, s.ExtendToBlock(bhh))
	writeRootAndLeaf(t, s, 0x03, bytes.Repeat([]byte{0x44}, 39))
	require.NoError(t, s.Flush())

	ro, err := s.ReopenReadOnly()
	require.NoError(t, err)
	defer ro.Close()

	require.NoError(t, ro.OpenBlock(bhh))
	root, _, err := ro.ReadNodeType(ro.RootTriePtr())
	require.NoError(t, err)
	require.Equal(t, NodeNode256, root.Kind)
}

// TestReopenReadOnlyRejectsExtending checks the ErrInProgress guard.
func TestReopenReadOnlyRejectsExtending(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.ExtendToBlock(blockIDFromByte(0x52)))

	_, err := s.ReopenReadOnly()
	require.ErrorIs(t, err, ErrInProgress)
}

// TestRecoverClearsLocks is a smoke test for the crash-recovery entry point:
// a dangling extension lock left behind by a crashed writer is cleared, and
// the datadir can be opened read-write again afterward.
func TestRecoverClearsLocks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trie.db")
	cfg := DefaultConfig()

	s, err := Open(path, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { s.db.Close() })
	bhh := blockIDFromByte(0x53)
	require.NoError(t, s.ExtendToBlock(bhh))
	// Simulate a crash: the process lock and the extension lock are left
	// behind, with no clean Close().
	require.NoError(t, s.procLock.Unlock())

	require.NoError(t, Recover(path, cfg))

	s2, err := Open(path, cfg)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.ExtendToBlock(bhh))
}
