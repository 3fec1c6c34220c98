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

// Package common holds the small, dependency-free types shared by every
// layer of the storage engine: block identifiers and content hashes.
package common

import (
	"encoding/hex"
	"fmt"
)

// HashLength is the byte length of a BlockId and of a TrieHash.
const HashLength = 32

// BlockId is an opaque, fixed-width block header hash: the external
// identifier of a committed trie.
type BlockId [HashLength]byte

// TrieHash is a fixed 32-byte content hash of a trie node.
type TrieHash [HashLength]byte

// SentinelBlockId is the reserved all-ones BlockId meaning "parent of
// genesis" / "no block currently selected".
var SentinelBlockId = func() BlockId {
	var id BlockId
	for i := range id {
		id[i] = 0xff
	}
	return id
}()

// Sentinel returns the reserved all-ones BlockId.
func Sentinel() BlockId {
	return SentinelBlockId
}

// IsSentinel reports whether id is the reserved all-ones value.
func (id BlockId) IsSentinel() bool {
	return id == SentinelBlockId
}

// Bytes returns a freshly allocated copy of id's bytes.
func (id BlockId) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, id[:])
	return b
}

// String renders id as a "0x"-prefixed hex string.
func (id BlockId) String() string {
	return "0x" + hex.EncodeToString(id[:])
}

// BlockIdFromBytes copies b into a BlockId. It panics if len(b) != HashLength,
// matching the fixed-width contract every caller of this package relies on.
func BlockIdFromBytes(b []byte) BlockId {
	if len(b) != HashLength {
		panic(fmt.Sprintf("common: BlockId must be %d bytes, got %d", HashLength, len(b)))
	}
	var id BlockId
	copy(id[:], b)
	return id
}

// Bytes returns a freshly allocated copy of h's bytes.
func (h TrieHash) Bytes() []byte {
	b := make([]byte, HashLength)
	copy(b, h[:])
	return b
}

// String renders h as a "0x"-prefixed hex string.
func (h TrieHash) String() string {
	return "0x" + hex.EncodeToString(h[:])
}

// TrieHashFromBytes copies b into a TrieHash. It panics if len(b) != HashLength.
func TrieHashFromBytes(b []byte) TrieHash {
	if len(b) != HashLength {
		panic(fmt.Sprintf("common: TrieHash must be %d bytes, got %d", HashLength, len(b)))
	}
	var h TrieHash
	copy(h[:], b)
	return h
}
