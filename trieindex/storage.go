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
	"io"
	"path/filepath"

	"github.com/c0ding/stacks-blockchain/common"
	"github.com/c0ding/stacks-blockchain/internal/trielog"
	"github.com/gofrs/flock"
)

// Store is the top-level object the trie-forest layer uses: it owns at
// most one in-RAM extending trie, one connection to the durable blob
// store, the block-hash and ancestor caches, read/write counters, and
// mode flags.
type Store struct {
	path        string
	cfg         Config
	log         *trielog.Logger
	db          *sqlStore
	procLock    *flock.Flock
	readOnly    bool
	unconfirmed bool

	lastExtended *RamTrie
	curBlock     common.BlockId
	curBlockID   *uint32

	blockHashes *blockHashCache
	ancestors   ancestorCache

	counters Counters
}

// lockGuard centralizes release of a block's extension lock on the flush
// and drop exit paths (flushInner and DropExtendingTrie). The error paths
// of ExtendToUnconfirmedBlock release the lock with DropLock directly. Go
// has no destructors, so this is not automatic; callers must invoke
// release() exactly once.
type lockGuard struct {
	bhh         common.BlockId
	unconfirmed bool
	released    bool
	store       *sqlStore
}

func (g *lockGuard) release() error {
	if g == nil || g.released {
		return nil
	}
	g.released = true
	return g.store.DropLock(g.bhh)
}

// openStore opens the backing store and, unless acquireLock is false, takes
// the process-level file lock appropriate to readOnly. acquireLock is false
// only for a read-only Store reopened from within a process that has
// already proven itself the sole owner of path (see ReopenReadOnly) — a
// brand-new flock.Flock there would be a shared lock request against the
// same process's own still-held exclusive lock, which flock(2) semantics
// treat as a conflict even within one process, since the lock is scoped to
// the open file description, not the process.
func openStore(path string, readOnly, unconfirmed, acquireLock bool, cfg Config) (*Store, error) {
	log := cfg.logger()
	db, err := openSQLStore(path, readOnly, cfg)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:        path,
		cfg:         cfg,
		log:         log,
		db:          db,
		readOnly:    readOnly,
		unconfirmed: unconfirmed,
		curBlock:    common.Sentinel(),
		blockHashes: newBlockHashCache(cfg.CacheBytes),
	}
	if acquireLock && path != InMemoryPath {
		fl := flock.New(path + ".lock")
		// Read-only opens take a shared lock so any number of readers can
		// coexist with each other and with a live writer in a different
		// process (the backing store runs in WAL mode precisely so
		// concurrent readers don't block the writer). Read-write opens
		// take an exclusive lock, since only one writer may extend a
		// given datadir at a time.
		var ok bool
		var lockErr error
		if readOnly {
			ok, lockErr = fl.TryRLock()
		} else {
			ok, lockErr = fl.TryLock()
		}
		if lockErr != nil {
			db.Close()
			return nil, ioErrorf("acquire process lock on %s: %v", path, lockErr)
		}
		if !ok {
			db.Close()
			return nil, existsErrorf("datadir %s already locked by another process", path)
		}
		s.procLock = fl
	}
	return s, nil
}

// Open opens path read-write in confirmed mode, creating the backing file
// and its tables if absent. cfg may be the zero value, in which case
// DefaultConfig() is used.
func Open(path string, cfg Config) (*Store, error) {
	return openStore(path, false, false, true, withDefaults(cfg))
}

// OpenReadOnly opens path read-only; it fails if the file does not exist.
func OpenReadOnly(path string, cfg Config) (*Store, error) {
	return openStore(path, true, false, true, withDefaults(cfg))
}

// OpenUnconfirmed opens path read-write in unconfirmed mode.
func OpenUnconfirmed(path string, cfg Config) (*Store, error) {
	return openStore(path, false, true, true, withDefaults(cfg))
}

func withDefaults(cfg Config) Config {
	d := DefaultConfig()
	if cfg == (Config{}) {
		return d
	}
	if cfg.BusyRetryBase <= 0 {
		cfg.BusyRetryBase = d.BusyRetryBase
	}
	if cfg.BusyRetryFactor <= 0 {
		cfg.BusyRetryFactor = d.BusyRetryFactor
	}
	if cfg.BusyRetryMax <= 0 {
		cfg.BusyRetryMax = d.BusyRetryMax
	}
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = d.CacheBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = d.Logger
	}
	return cfg
}

// ReopenReadOnly clones a read-only snapshot of s. It fails with
// ErrInProgress if s currently has an extending trie. For InMemoryPath the
// returned Store opens a new, empty in-memory database; it does not share
// s's data.
//
// Unlike OpenReadOnly, this does not take a fresh process-level file lock:
// s already proved this process's exclusive (or shared) ownership of path,
// and flock(2) scopes a lock to the open file description that created it,
// not to the process, so a second flock.Flock here would see s's own lock
// as a conflicting one rather than recognize it as already held.
func (s *Store) ReopenReadOnly() (*Store, error) {
	if s.lastExtended != nil {
		return nil, ErrInProgress
	}
	return openStore(s.path, true, false, false, s.cfg)
}

// Recover clears all extension locks, used after a crash during extension.
func Recover(path string, cfg Config) error {
	db, err := openSQLStore(path, false, withDefaults(cfg))
	if err != nil {
		return err
	}
	defer db.Close()
	return db.ClearLockData()
}

// Close releases the process-level lock and the backing connection.
func (s *Store) Close() error {
	if s.procLock != nil {
		if err := s.procLock.Unlock(); err != nil {
			s.log.Error("failed to release process lock", "path", s.path, "err", err)
		}
	}
	return s.db.Close()
}

// ExtendToBlock begins extending a new confirmed trie for bhh.
func (s *Store) ExtendToBlock(bhh common.BlockId) error {
	s.ancestors.Clear()
	if s.readOnly {
		return ErrReadOnly
	}
	if s.unconfirmed {
		return ErrUnconfirmed
	}
	if _, err := s.db.GetConfirmedBlockIdentifier(bhh); err == nil {
		return existsErrorf("confirmed block %s already exists", bhh)
	}
	hint := 1024
	if s.lastExtended != nil {
		hint = 2 * len(s.lastExtended.data)
	}
	if err := s.flushCurrentIfAny(); err != nil {
		return err
	}
	ok, err := s.db.LockBHHForExtension(bhh, false)
	if err != nil {
		return err
	}
	if !ok {
		return existsErrorf("block %s already has an active extension lock", bhh)
	}
	s.lastExtended = New(bhh, s.curBlock, hint)
	s.curBlock = bhh
	s.curBlockID = nil
	return nil
}

// ExtendToUnconfirmedBlock begins (or resumes) extending the unconfirmed
// trie for bhh. created reports whether a brand-new trie was allocated, as
// opposed to an existing unconfirmed blob being reloaded for further
// mutation.
func (s *Store) ExtendToUnconfirmedBlock(bhh common.BlockId) (created bool, err error) {
	s.ancestors.Clear()
	if !s.unconfirmed {
		return false, ErrUnconfirmed
	}
	if err := s.flushCurrentIfAny(); err != nil {
		return false, err
	}
	// The existence check and the lock acquisition happen in one
	// transaction (LoadAndLockUnconfirmedForExtension) so that a
	// concurrent DropUnconfirmedTrie cannot slip in between "found an
	// existing blob" and "took the lock on it".
	id, existed, locked, lookupErr := s.db.LoadAndLockUnconfirmedForExtension(bhh)
	if lookupErr != nil {
		return false, lookupErr
	}
	if !locked {
		return false, existsErrorf("unconfirmed block %s already has an active extension lock", bhh)
	}
	var ram *RamTrie
	if existed {
		r, openErr := s.db.OpenTrieBlob(id)
		if openErr != nil {
			s.db.DropLock(bhh)
			return false, openErr
		}
		ram, err = LoadRamTrie(r, bhh)
		if err != nil {
			s.db.DropLock(bhh)
			return false, err
		}
		created = false
	} else {
		ram = New(bhh, s.curBlock, 1024)
		created = true
	}
	s.lastExtended = ram
	s.curBlock = bhh
	s.curBlockID = nil
	return created, nil
}

func (s *Store) flushCurrentIfAny() error {
	if s.lastExtended == nil {
		return nil
	}
	return s.Flush()
}

// OpenBlock selects a durable block for reads. It is a no-op if bhh is
// already selected.
func (s *Store) OpenBlock(bhh common.BlockId) error {
	if s.curBlock == bhh {
		return nil
	}
	if bhh.IsSentinel() {
		s.curBlock = bhh
		s.curBlockID = nil
		if id, err := s.resolveBlockIdentifier(bhh); err == nil {
			s.curBlockID = &id
		}
		return nil
	}
	if s.lastExtended != nil && bhh == s.lastExtended.BlockHeader {
		s.curBlock = bhh
		s.curBlockID = nil
		return nil
	}
	id, err := s.resolveBlockIdentifier(bhh)
	if err != nil {
		return notFoundErrorf("block %s not found", bhh)
	}
	s.curBlock = bhh
	s.curBlockID = &id
	return nil
}

func (s *Store) resolveBlockIdentifier(bhh common.BlockId) (uint32, error) {
	if s.unconfirmed {
		if id, err := s.db.GetUnconfirmedBlockIdentifier(bhh); err == nil {
			return id, nil
		}
	}
	return s.db.GetConfirmedBlockIdentifier(bhh)
}

// OpenBlockKnownID selects bhh using a caller-supplied identifier,
// bypassing the backing-store lookup. It panics if bhh is the currently
// extending block, which has no durable identifier yet.
func (s *Store) OpenBlockKnownID(bhh common.BlockId, id uint32) {
	if s.lastExtended != nil && bhh == s.lastExtended.BlockHeader {
		panic("trieindex: OpenBlockKnownID called on the currently extending block")
	}
	s.curBlock = bhh
	s.curBlockID = &id
}

// OpenBlockMaybeID dispatches to OpenBlock or OpenBlockKnownID depending on
// whether id is present.
func (s *Store) OpenBlockMaybeID(bhh common.BlockId, id *uint32) error {
	if id == nil {
		return s.OpenBlock(bhh)
	}
	s.OpenBlockKnownID(bhh, *id)
	return nil
}

func (s *Store) onRamTrie() bool {
	return s.lastExtended != nil && s.curBlockID == nil && s.curBlock == s.lastExtended.BlockHeader
}

// ReadNodeType reads the node and hash at ptr from whichever backing — the
// extending RAM trie if selected, otherwise the durable store at the
// currently selected block identifier.
func (s *Store) ReadNodeType(ptr TriePtr) (*Node, common.TrieHash, error) {
	ptr.ID = ClearBackptr(ptr.ID)
	if s.onRamTrie() {
		s.counters.countRead(ptr, nil)
		return s.lastExtended.ReadNodeType(ptr)
	}
	if s.curBlockID == nil {
		return nil, common.TrieHash{}, ErrNotOpened
	}
	s.counters.countRead(ptr, nil)
	return s.db.ReadNodeType(*s.curBlockID, ptr)
}

// ReadNodeHashBytes writes the hash of the node at ptr to w, from whichever
// backing is currently selected.
func (s *Store) ReadNodeHashBytes(ptr TriePtr, w io.Writer) error {
	ptr.ID = ClearBackptr(ptr.ID)
	if s.onRamTrie() {
		s.counters.countRead(ptr, nil)
		return ramHashReader{s.lastExtended}.ReadNodeHashBytes(ptr, w)
	}
	if s.curBlockID == nil {
		return ErrNotOpened
	}
	s.counters.countRead(ptr, nil)
	return sqlHashReader{s.db, *s.curBlockID}.ReadNodeHashBytes(ptr, w)
}

// WriteNodeType writes node/hash at ptr into the extending RAM trie. It is
// a programming error (panic) to call this when the current selector is
// not the extending block.
func (s *Store) WriteNodeType(ptr TriePtr, node *Node, hash common.TrieHash) error {
	if s.readOnly {
		return ErrReadOnly
	}
	if !s.onRamTrie() {
		panic("trieindex: WriteNodeType called while a durable block is selected")
	}
	if err := s.lastExtended.WriteNodeType(ptr, node, hash); err != nil {
		return err
	}
	s.counters.countWrite(node)
	return nil
}

// WriteNode is an alias of WriteNodeType taking the same arguments,
// matching the original's write_node entry point.
func (s *Store) WriteNode(ptr TriePtr, node *Node, hash common.TrieHash) error {
	return s.WriteNodeType(ptr, node, hash)
}

// writeChildrenHashes writes, for each of node's child slots in order: the
// empty-string hash for an empty slot; the child's own hash for a
// non-back-pointer child; or the block hash of the foreign block for a
// back-pointer child. The write path must never seek into another block's
// blob during trie construction, so back-pointer children contribute the
// foreign block's hash rather than the foreign node's hash — this
// substitution must be preserved exactly for hash compatibility.
func (s *Store) writeChildrenHashes(node *Node, w io.Writer) error {
	for _, child := range node.Children {
		switch {
		case child.Empty():
			if _, err := w.Write(emptyHash[:]); err != nil {
				return ioErrorf("write empty-child hash: %v", err)
			}
		case child.IsBackptr():
			bhh, err := s.getBlockHashCaching(child.BackBlock)
			if err != nil {
				return err
			}
			if _, err := w.Write(bhh[:]); err != nil {
				return ioErrorf("write back-pointer block hash: %v", err)
			}
		default:
			if err := s.ReadNodeHashBytes(child, w); err != nil {
				return err
			}
		}
	}
	return nil
}

// GetBlockHash returns the external BlockId for numeric identifier id.
func (s *Store) GetBlockHash(id uint32) (common.BlockId, error) {
	return s.db.GetBlockHash(id)
}

// GetBlockHashCaching is GetBlockHash with a get-or-fetch cache in front.
func (s *Store) GetBlockHashCaching(id uint32) (common.BlockId, error) {
	return s.getBlockHashCaching(id)
}

func (s *Store) getBlockHashCaching(id uint32) (common.BlockId, error) {
	if bhh, ok := s.blockHashes.get(id); ok {
		return bhh, nil
	}
	bhh, err := s.db.GetBlockHash(id)
	if err != nil {
		return common.BlockId{}, err
	}
	s.blockHashes.set(id, bhh)
	return bhh, nil
}

// SetAncestorHashes populates the ancestor-hashes cache for bhh.
func (s *Store) SetAncestorHashes(bhh common.BlockId, hashes []common.TrieHash) {
	s.ancestors.Set(bhh, hashes)
}

// GetAncestorHashes retrieves the ancestor-hashes cache entry for bhh.
func (s *Store) GetAncestorHashes(bhh common.BlockId) ([]common.TrieHash, bool) {
	return s.ancestors.Get(bhh)
}

func (s *Store) flushInner(destBhh common.BlockId, unconfirmed, mined bool) error {
	if s.lastExtended == nil {
		return nil
	}
	bhh := s.lastExtended.BlockHeader
	parent := s.lastExtended.Parent
	rootHash := s.lastExtended.RootHash()
	guard := &lockGuard{bhh: bhh, unconfirmed: s.unconfirmed, store: s.db}

	blob, err := s.lastExtended.Dump()
	if err != nil {
		return err
	}

	var id uint32
	switch {
	case mined:
		id, err = s.db.WriteTrieBlobToMined(destBhh, parent, rootHash, blob)
	case unconfirmed:
		id, err = s.db.WriteTrieBlobToUnconfirmed(destBhh, parent, rootHash, blob)
	default:
		id, err = s.db.WriteTrieBlob(destBhh, parent, rootHash, blob)
	}
	if err != nil {
		return err
	}
	if relErr := guard.release(); relErr != nil {
		s.log.Crit("failed to release extension lock after flush", "bhh", bhh, "err", relErr)
	}
	if s.path != InMemoryPath {
		if syncErr := fsyncDir(filepath.Dir(s.path)); syncErr != nil {
			s.log.Warn("best-effort parent directory fsync failed", "path", s.path, "err", syncErr)
		}
	}

	s.lastExtended = nil
	if destBhh != bhh {
		s.curBlock = destBhh
	}
	s.curBlockID = &id
	s.ancestors.Clear()
	return nil
}

// Flush commits the current extending trie under its own block header.
func (s *Store) Flush() error {
	if s.lastExtended == nil {
		return nil
	}
	return s.flushInner(s.lastExtended.BlockHeader, s.unconfirmed, false)
}

// FlushTo commits the current extending trie, retargeting it to bhh' —
// supporting "mine under a placeholder, commit under the real hash".
func (s *Store) FlushTo(bhh common.BlockId) error {
	if s.lastExtended == nil {
		return nil
	}
	return s.flushInner(bhh, s.unconfirmed, false)
}

// FlushMined commits the current extending trie to the mined staging
// table under bhh'.
func (s *Store) FlushMined(bhh common.BlockId) error {
	if s.lastExtended == nil {
		return nil
	}
	return s.flushInner(bhh, false, true)
}

// DropExtendingTrie discards the current extending trie and releases its
// lock without publishing a blob. Safe to call when nothing is extending.
func (s *Store) DropExtendingTrie() {
	if s.lastExtended == nil {
		return
	}
	bhh := s.lastExtended.BlockHeader
	guard := &lockGuard{bhh: bhh, unconfirmed: s.unconfirmed, store: s.db}
	if err := guard.release(); err != nil {
		s.log.Crit("failed to release extension lock on drop", "bhh", bhh, "err", err)
	}
	s.lastExtended = nil
	s.ancestors.Clear()
}

// DropUnconfirmedTrie deletes the unconfirmed blob and lock for bhh. Only
// valid in unconfirmed mode.
func (s *Store) DropUnconfirmedTrie(bhh common.BlockId) error {
	if !s.unconfirmed {
		return ErrUnconfirmed
	}
	if err := s.db.DropUnconfirmedTrie(bhh); err != nil {
		return err
	}
	if s.curBlock == bhh {
		s.curBlock = common.Sentinel()
		s.curBlockID = nil
	}
	s.ancestors.Clear()
	return nil
}

// Format clears all tables and resets in-memory state.
func (s *Store) Format() error {
	if err := s.db.format(); err != nil {
		return err
	}
	s.lastExtended = nil
	s.curBlock = common.Sentinel()
	s.curBlockID = nil
	s.ancestors.Clear()
	s.blockHashes.reset()
	return nil
}

// HasBlock reports whether bhh has a confirmed or an unconfirmed blob;
// mined blobs are not checked.
func (s *Store) HasBlock(bhh common.BlockId) bool {
	return s.HasConfirmedBlock(bhh) || s.HasUnconfirmedBlock(bhh)
}

// HasConfirmedBlock reports whether bhh has a confirmed blob.
func (s *Store) HasConfirmedBlock(bhh common.BlockId) bool {
	_, err := s.db.GetConfirmedBlockIdentifier(bhh)
	return err == nil
}

// HasUnconfirmedBlock reports whether bhh has an unconfirmed blob.
func (s *Store) HasUnconfirmedBlock(bhh common.BlockId) bool {
	_, err := s.db.GetUnconfirmedBlockIdentifier(bhh)
	return err == nil
}

// GetBlockIdentifier returns the durable identifier for bhh.
func (s *Store) GetBlockIdentifier(bhh common.BlockId) (uint32, error) {
	return s.resolveBlockIdentifier(bhh)
}

// GetCurBlockIdentifier returns the identifier of the currently selected
// block. It fails with ErrRequestedIdentifierForExtensionTrie if the
// current block is the one being extended (which has no identifier yet).
func (s *Store) GetCurBlockIdentifier() (uint32, error) {
	if s.onRamTrie() {
		return 0, ErrRequestedIdentifierForExtensionTrie
	}
	if s.curBlockID == nil {
		return 0, ErrNotOpened
	}
	return *s.curBlockID, nil
}

// GetCurBlock returns the currently selected block's external hash.
func (s *Store) GetCurBlock() common.BlockId {
	return s.curBlock
}

// NumBlocks returns the number of confirmed blocks.
func (s *Store) NumBlocks() (uint64, error) {
	return s.db.CountBlocks()
}

// RootPtr returns the byte offset of a trie's root: 0 if the current
// selection is the extending trie (array index), else 36 (past the blob
// header).
func (s *Store) RootPtr() uint32 {
	if s.onRamTrie() {
		return 0
	}
	return BlobHeaderLen
}

// RootTriePtr returns the TriePtr addressing the current trie's root.
func (s *Store) RootTriePtr() TriePtr {
	return TriePtr{ID: byte(NodeNode256), Ptr: s.RootPtr()}
}

// Stats returns the read/write counters accumulated across every backing
// this Store has touched. Writes are split by (node | leaf). Reads through
// ReadNodeType and ReadNodeHashBytes are counted before the node is known
// and after the back-pointer bit is cleared, so every Store-level read is
// tallied as a NodeRead; LeafReads and BackptrReads stay zero here.
func (s *Store) Stats() Counters {
	return s.counters
}

// NodeStats returns the non-leaf node read and write counts.
func (s *Store) NodeStats() (reads, writes uint64) {
	return s.counters.NodeReads, s.counters.NodeWrites
}

// LeafStats returns the leaf node read and write counts (the read count
// stays zero at this level; see Stats).
func (s *Store) LeafStats() (reads, writes uint64) {
	return s.counters.LeafReads, s.counters.LeafWrites
}

// ReadBlockRootHash returns the stored trie root hash for bhh, looking it up
// among unconfirmed blobs (in unconfirmed mode) and then confirmed blobs;
// mined blobs are not searched.
func (s *Store) ReadBlockRootHash(bhh common.BlockId) (common.TrieHash, error) {
	id, err := s.resolveBlockIdentifier(bhh)
	if err != nil {
		return common.TrieHash{}, notFoundErrorf("block %s not found", bhh)
	}
	return s.db.GetRootHash(id)
}

// ReadRootToBlockTable returns every confirmed block's hash paired with its
// trie root hash, a read-only query surface over the durable store.
func (s *Store) ReadRootToBlockTable() ([]BlockHashRoot, error) {
	return s.db.ReadAllBlockHashesAndRoots()
}
