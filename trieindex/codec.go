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
	"encoding/binary"
	"io"

	"github.com/c0ding/stacks-blockchain/common"
	"golang.org/x/crypto/sha3"
)

// BlobHeaderLen is the fixed-size prefix of every on-disk blob: 32 bytes of
// parent BlockId followed by a 4-byte reserved identifier.
const BlobHeaderLen = 32 + 4

// triePtrByteLen is the serialized size of one TriePtr slot: chr(1) +
// id(1) + ptr(4) + back_block(4).
const triePtrByteLen = 1 + 1 + 4 + 4

// emptyHash is the TrieHash of the zero-length byte string, written for
// every empty child slot by writeChildrenHashes.
var emptyHash = common.TrieHashFromBytes(func() []byte {
	h := sha3.NewLegacyKeccak256()
	sum := h.Sum(nil)
	return sum
}())

// NodeByteLen is the deterministic length predictor used by the
// breadth-first dump algorithm: 1 (kind tag) + 32 (hash) + 1 (path length
// prefix) + len(path), plus either a 4-byte payload length prefix and the
// payload (leaf) or fanout()*triePtrByteLen (non-leaf).
func NodeByteLen(node *Node) uint32 {
	n := uint32(1 + 32 + 1 + len(node.Path))
	if node.Kind == NodeLeaf {
		n += 4 + uint32(len(node.Payload))
	} else {
		n += uint32(node.Kind.fanout() * triePtrByteLen)
	}
	return n
}

// EncodeNode writes node (with its content hash) to out in the fixed
// binary layout: kind tag, hash, length-prefixed path, then either the
// leaf payload or the node's child-pointer array.
func EncodeNode(node *Node, hash common.TrieHash, out io.Writer) error {
	if len(node.Path) > 255 {
		return corruptionErrorf("radix path length %d exceeds 255", len(node.Path))
	}
	if _, err := out.Write([]byte{byte(node.Kind)}); err != nil {
		return ioErrorf("write kind tag: %v", err)
	}
	if _, err := out.Write(hash[:]); err != nil {
		return ioErrorf("write hash: %v", err)
	}
	if _, err := out.Write([]byte{byte(len(node.Path))}); err != nil {
		return ioErrorf("write path length: %v", err)
	}
	if len(node.Path) > 0 {
		if _, err := out.Write(node.Path); err != nil {
			return ioErrorf("write path: %v", err)
		}
	}
	if node.Kind == NodeLeaf {
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(node.Payload)))
		if _, err := out.Write(lenBuf[:]); err != nil {
			return ioErrorf("write payload length: %v", err)
		}
		if len(node.Payload) > 0 {
			if _, err := out.Write(node.Payload); err != nil {
				return ioErrorf("write payload: %v", err)
			}
		}
		return nil
	}
	want := node.Kind.fanout()
	if len(node.Children) != want {
		return corruptionErrorf("node kind %s expects %d children, got %d", node.Kind, want, len(node.Children))
	}
	for _, c := range node.Children {
		var buf [triePtrByteLen]byte
		buf[0] = c.Chr
		buf[1] = c.ID
		binary.LittleEndian.PutUint32(buf[2:6], c.Ptr)
		binary.LittleEndian.PutUint32(buf[6:10], c.BackBlock)
		if _, err := out.Write(buf[:]); err != nil {
			return ioErrorf("write child pointer: %v", err)
		}
	}
	return nil
}

// DecodeNode is the inverse of EncodeNode. It fails with a CorruptionError
// on a tag out of range, truncated input, or a path length exceeding the
// one-byte bound.
func DecodeNode(in io.Reader) (*Node, common.TrieHash, error) {
	var hash common.TrieHash
	var tag [1]byte
	if _, err := io.ReadFull(in, tag[:]); err != nil {
		return nil, hash, corruptionErrorf("read kind tag: %v", err)
	}
	kind := NodeKind(tag[0])
	if kind > NodeNode256 {
		return nil, hash, corruptionErrorf("kind tag %d out of range", tag[0])
	}
	if _, err := io.ReadFull(in, hash[:]); err != nil {
		return nil, hash, corruptionErrorf("read hash: %v", err)
	}
	var pathLen [1]byte
	if _, err := io.ReadFull(in, pathLen[:]); err != nil {
		return nil, hash, corruptionErrorf("read path length: %v", err)
	}
	path := make([]byte, pathLen[0])
	if len(path) > 0 {
		if _, err := io.ReadFull(in, path); err != nil {
			return nil, hash, corruptionErrorf("read path: %v", err)
		}
	}
	node := &Node{Kind: kind, Path: path}
	if kind == NodeLeaf {
		var lenBuf [4]byte
		if _, err := io.ReadFull(in, lenBuf[:]); err != nil {
			return nil, hash, corruptionErrorf("read payload length: %v", err)
		}
		payloadLen := binary.LittleEndian.Uint32(lenBuf[:])
		payload := make([]byte, payloadLen)
		if payloadLen > 0 {
			if _, err := io.ReadFull(in, payload); err != nil {
				return nil, hash, corruptionErrorf("read payload: %v", err)
			}
		}
		node.Payload = payload
		return node, hash, nil
	}
	fanout := kind.fanout()
	children := make([]TriePtr, fanout)
	for i := 0; i < fanout; i++ {
		var buf [triePtrByteLen]byte
		if _, err := io.ReadFull(in, buf[:]); err != nil {
			return nil, hash, corruptionErrorf("read child pointer %d: %v", i, err)
		}
		children[i] = TriePtr{
			Chr:       buf[0],
			ID:        buf[1],
			Ptr:       binary.LittleEndian.Uint32(buf[2:6]),
			BackBlock: binary.LittleEndian.Uint32(buf[6:10]),
		}
	}
	node.Children = children
	return node, hash, nil
}

// ReadNodeHash seeks in to ptr.Ptr, validates the kind tag, and reads only
// the 32 hash bytes that follow it — avoiding a full node deserialization
// when only the hash is needed.
func ReadNodeHash(in io.ReadSeeker, ptr TriePtr) (common.TrieHash, error) {
	var hash common.TrieHash
	if _, err := in.Seek(int64(ptr.Ptr), io.SeekStart); err != nil {
		return hash, ioErrorf("seek to %d: %v", ptr.Ptr, err)
	}
	var tag [1]byte
	if _, err := io.ReadFull(in, tag[:]); err != nil {
		return hash, corruptionErrorf("read kind tag at %d: %v", ptr.Ptr, err)
	}
	if NodeKind(tag[0]) > NodeNode256 {
		return hash, corruptionErrorf("kind tag %d out of range at %d", tag[0], ptr.Ptr)
	}
	if _, err := io.ReadFull(in, hash[:]); err != nil {
		return hash, corruptionErrorf("read hash at %d: %v", ptr.Ptr, err)
	}
	return hash, nil
}
