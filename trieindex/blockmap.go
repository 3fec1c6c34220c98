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

	"github.com/VictoriaMetrics/fastcache"
	"github.com/c0ding/stacks-blockchain/common"
)

// NodeHashReader is the uniform capability for fetching a node's hash
// bytes, implemented once over the in-RAM buffer and once over the
// durable blob store. The hash-writing algorithm in storage.go reads child
// hashes through whichever of the two the current block selection calls
// for, and back-pointer block hashes through the Store's own cache.
type NodeHashReader interface {
	ReadNodeHashBytes(ptr TriePtr, w io.Writer) error
}

// ramHashReader adapts *RamTrie to NodeHashReader.
type ramHashReader struct {
	ram *RamTrie
}

func (r ramHashReader) ReadNodeHashBytes(ptr TriePtr, w io.Writer) error {
	hash, err := r.ram.ReadNodeHash(ptr)
	if err != nil {
		return err
	}
	_, err = w.Write(hash[:])
	return err
}

// sqlHashReader adapts a (store, block identifier) pair to NodeHashReader,
// reading directly from a durable blob without deserializing the node.
type sqlHashReader struct {
	store   *sqlStore
	blockID uint32
}

func (r sqlHashReader) ReadNodeHashBytes(ptr TriePtr, w io.Writer) error {
	return r.store.ReadNodeHashBytes(w, r.blockID, ptr)
}

// BlockMap maps an internal numeric block identifier to its external
// BlockId, with a get-or-fetch caching variant.
type BlockMap interface {
	GetBlockHash(id uint32) (common.BlockId, error)
	GetBlockHashCaching(id uint32) (common.BlockId, error)
}

// blockHashCache is a fixed-capacity, thread-safe cache from numeric block
// identifier to BlockId, backed by fastcache. Keys are the 4-byte
// little-endian identifier; values are the 32 raw hash bytes.
type blockHashCache struct {
	cache *fastcache.Cache
}

func newBlockHashCache(maxBytes int) *blockHashCache {
	return &blockHashCache{cache: fastcache.New(maxBytes)}
}

func (c *blockHashCache) get(id uint32) (common.BlockId, bool) {
	var keyBuf [4]byte
	binary.LittleEndian.PutUint32(keyBuf[:], id)
	val, ok := c.cache.HasGet(nil, keyBuf[:])
	if !ok {
		return common.BlockId{}, false
	}
	return common.BlockIdFromBytes(val), true
}

func (c *blockHashCache) set(id uint32, bhh common.BlockId) {
	var keyBuf [4]byte
	binary.LittleEndian.PutUint32(keyBuf[:], id)
	c.cache.Set(keyBuf[:], bhh.Bytes())
}

func (c *blockHashCache) reset() {
	c.cache.Reset()
}

// ancestorCache is the single-slot "(BlockId, ancestor hashes)" cache that
// higher layers populate with precomputed skip-list hashes. It is not
// capacity-bounded, so it does not use fastcache.
type ancestorCache struct {
	set    bool
	bhh    common.BlockId
	hashes []common.TrieHash
}

func (a *ancestorCache) Set(bhh common.BlockId, hashes []common.TrieHash) {
	a.set = true
	a.bhh = bhh
	a.hashes = append([]common.TrieHash(nil), hashes...)
}

func (a *ancestorCache) Get(bhh common.BlockId) ([]common.TrieHash, bool) {
	if !a.set || a.bhh != bhh {
		return nil, false
	}
	return a.hashes, true
}

func (a *ancestorCache) Clear() {
	a.set = false
	a.bhh = common.BlockId{}
	a.hashes = nil
}
