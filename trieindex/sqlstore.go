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
	"database/sql"
	"errors"
	"io"
	"math"
	"strings"
	"time"

	"github.com/c0ding/stacks-blockchain/common"
	"github.com/c0ding/stacks-blockchain/internal/trielog"
	"github.com/golang/snappy"
	_ "modernc.org/sqlite"
)

// InMemoryPath is the reserved literal meaning "ephemeral, in-memory
// store", used by tests and short-lived callers.
const InMemoryPath = ":memory:"

const schema = `
CREATE TABLE IF NOT EXISTS blocks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    block_hash BLOB NOT NULL,
    parent_hash BLOB NOT NULL,
    blob BLOB NOT NULL,
    unconfirmed INTEGER NOT NULL DEFAULT 0,
    mined INTEGER NOT NULL DEFAULT 0,
    root_hash BLOB NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS blocks_confirmed_hash
    ON blocks(block_hash) WHERE unconfirmed = 0 AND mined = 0;
CREATE UNIQUE INDEX IF NOT EXISTS blocks_unconfirmed_hash
    ON blocks(block_hash) WHERE unconfirmed = 1;
CREATE UNIQUE INDEX IF NOT EXISTS blocks_mined_hash
    ON blocks(block_hash) WHERE mined = 1;
CREATE TABLE IF NOT EXISTS locks (
    block_hash BLOB PRIMARY KEY,
    unconfirmed INTEGER NOT NULL
);
`

// sqlStore wraps a database/sql connection to a pure-Go SQLite backing
// store with the busy-handler retry policy and at-rest snappy compression
// this engine layers on top of the raw driver.
type sqlStore struct {
	db       *sql.DB
	cfg      Config
	log      *trielog.Logger
	readOnly bool
}

func openSQLStore(path string, readOnly bool, cfg Config) (*sqlStore, error) {
	dsn := path
	if readOnly && path != InMemoryPath {
		dsn = path + "?mode=ro"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, backingStoreErrorf(err, "open %s", path)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil && path != InMemoryPath {
		db.Close()
		return nil, backingStoreErrorf(err, "set WAL journal mode")
	}
	s := &sqlStore{db: db, cfg: cfg, log: cfg.logger(), readOnly: readOnly}
	if !readOnly {
		if err := s.createTablesIfNeeded(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func (s *sqlStore) createTablesIfNeeded() error {
	return s.withBusyRetry(func() error {
		_, err := s.db.Exec(schema)
		return err
	})
}

// withBusyRetry runs fn, retrying with bounded exponential backoff on a
// SQLITE_BUSY/SQLITE_LOCKED condition, surfacing ErrBusy once the retry
// budget is exhausted and ErrBackingStore for any other failure.
func (s *sqlStore) withBusyRetry(fn func() error) error {
	delay := s.cfg.BusyRetryBase
	if delay <= 0 {
		delay = 2 * time.Millisecond
	}
	factor := s.cfg.BusyRetryFactor
	if factor <= 0 {
		factor = 2.0
	}
	maxAttempts := s.cfg.BusyRetryMax
	if maxAttempts <= 0 {
		maxAttempts = 8
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isBusyErr(err) {
			return backingStoreErrorf(err, "backing store operation failed")
		}
		lastErr = err
		s.log.Warn("backing store busy, retrying", "attempt", attempt, "delay", delay)
		time.Sleep(delay)
		delay = time.Duration(math.Min(float64(delay)*factor, float64(time.Second)))
	}
	s.log.Error("backing store busy-retry budget exhausted", "err", lastErr)
	return ErrBusy
}

func isBusyErr(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func (s *sqlStore) compress(blob []byte) []byte {
	if !s.cfg.Compress {
		return blob
	}
	return snappy.Encode(nil, blob)
}

func (s *sqlStore) decompress(blob []byte) ([]byte, error) {
	if !s.cfg.Compress {
		return blob, nil
	}
	out, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, corruptionErrorf("snappy decode: %v", err)
	}
	return out, nil
}

// writeTrieBlob inserts blob for bhh/parent into the visibility class
// selected by (unconfirmed, mined), returning its assigned block identifier.
// An unconfirmed write to a bhh that already has an unconfirmed row
// replaces it, matching the "unconfirmed blobs are rewritable" lifecycle
// rule: the old row is deleted and the new row gets a fresh identifier.
func (s *sqlStore) writeTrieBlob(bhh, parent common.BlockId, rootHash common.TrieHash, blob []byte, unconfirmed, mined bool) (id uint32, err error) {
	err = s.withBusyRetry(func() error {
		tx, txErr := s.db.Begin()
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		compressed := s.compress(blob)
		if unconfirmed {
			if _, delErr := tx.Exec(`DELETE FROM blocks WHERE block_hash = ? AND unconfirmed = 1`, bhh.Bytes()); delErr != nil {
				return delErr
			}
		}
		res, execErr := tx.Exec(
			`INSERT INTO blocks(block_hash, parent_hash, blob, unconfirmed, mined, root_hash) VALUES (?, ?, ?, ?, ?, ?)`,
			bhh.Bytes(), parent.Bytes(), compressed, boolToInt(unconfirmed), boolToInt(mined), rootHash.Bytes(),
		)
		if execErr != nil {
			return execErr
		}
		rowID, lastErr := res.LastInsertId()
		if lastErr != nil {
			return lastErr
		}
		id = uint32(rowID)
		return tx.Commit()
	})
	return id, err
}

func (s *sqlStore) WriteTrieBlob(bhh, parent common.BlockId, rootHash common.TrieHash, blob []byte) (uint32, error) {
	return s.writeTrieBlob(bhh, parent, rootHash, blob, false, false)
}

func (s *sqlStore) WriteTrieBlobToUnconfirmed(bhh, parent common.BlockId, rootHash common.TrieHash, blob []byte) (uint32, error) {
	return s.writeTrieBlob(bhh, parent, rootHash, blob, true, false)
}

func (s *sqlStore) WriteTrieBlobToMined(bhh, parent common.BlockId, rootHash common.TrieHash, blob []byte) (uint32, error) {
	return s.writeTrieBlob(bhh, parent, rootHash, blob, false, true)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (s *sqlStore) getBlockIdentifier(bhh common.BlockId, where string) (uint32, error) {
	var id uint32
	err := s.withBusyRetry(func() error {
		row := s.db.QueryRow(`SELECT id FROM blocks WHERE block_hash = ? AND `+where, bhh.Bytes())
		return row.Scan(&id)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFoundErrorf("block %s not found", bhh)
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *sqlStore) GetBlockIdentifier(bhh common.BlockId) (uint32, error) {
	return s.getBlockIdentifier(bhh, "unconfirmed = 0 AND mined = 0")
}

func (s *sqlStore) GetConfirmedBlockIdentifier(bhh common.BlockId) (uint32, error) {
	return s.getBlockIdentifier(bhh, "unconfirmed = 0 AND mined = 0")
}

func (s *sqlStore) GetUnconfirmedBlockIdentifier(bhh common.BlockId) (uint32, error) {
	return s.getBlockIdentifier(bhh, "unconfirmed = 1")
}

// LoadAndLockUnconfirmedForExtension atomically looks up bhh's existing
// unconfirmed row (if any) and takes its extension lock, in one transaction,
// so a concurrent DropUnconfirmedTrie cannot run between the existence check
// and the lock acquisition. existed reports whether an unconfirmed row for
// bhh was found; id is only meaningful when existed is true; locked reports
// whether the extension lock was acquired.
func (s *sqlStore) LoadAndLockUnconfirmedForExtension(bhh common.BlockId) (id uint32, existed, locked bool, err error) {
	err = s.withBusyRetry(func() error {
		tx, txErr := s.db.Begin()
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()

		row := tx.QueryRow(`SELECT id FROM blocks WHERE block_hash = ? AND unconfirmed = 1`, bhh.Bytes())
		scanErr := row.Scan(&id)
		switch {
		case scanErr == nil:
			existed = true
		case errors.Is(scanErr, sql.ErrNoRows):
			existed = false
		default:
			return scanErr
		}

		ok, lockErr := s.txLockBHHForExtensionLocked(tx, bhh, true)
		if lockErr != nil {
			return lockErr
		}
		locked = ok
		return tx.Commit()
	})
	return id, existed, locked, err
}

func (s *sqlStore) GetBlockHash(id uint32) (common.BlockId, error) {
	var raw []byte
	err := s.withBusyRetry(func() error {
		row := s.db.QueryRow(`SELECT block_hash FROM blocks WHERE id = ?`, id)
		return row.Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return common.BlockId{}, notFoundErrorf("block id %d not found", id)
	}
	if err != nil {
		return common.BlockId{}, err
	}
	return common.BlockIdFromBytes(raw), nil
}

// GetRootHash returns the stored trie root hash for block identifier id.
func (s *sqlStore) GetRootHash(id uint32) (common.TrieHash, error) {
	var raw []byte
	err := s.withBusyRetry(func() error {
		row := s.db.QueryRow(`SELECT root_hash FROM blocks WHERE id = ?`, id)
		return row.Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return common.TrieHash{}, notFoundErrorf("block id %d not found", id)
	}
	if err != nil {
		return common.TrieHash{}, err
	}
	return common.TrieHashFromBytes(raw), nil
}

// OpenTrieBlob returns a seekable reader over the decompressed blob for id.
func (s *sqlStore) OpenTrieBlob(id uint32) (io.ReadSeeker, error) {
	var raw []byte
	err := s.withBusyRetry(func() error {
		row := s.db.QueryRow(`SELECT blob FROM blocks WHERE id = ?`, id)
		return row.Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFoundErrorf("block id %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	blob, err := s.decompress(raw)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(blob), nil
}

// ReadNodeHashBytes reads only the 32 hash bytes of the node at ptr inside
// block id's blob, without decoding the rest of the node.
func (s *sqlStore) ReadNodeHashBytes(w io.Writer, id uint32, ptr TriePtr) error {
	r, err := s.OpenTrieBlob(id)
	if err != nil {
		return err
	}
	hash, err := ReadNodeHash(r, ptr)
	if err != nil {
		return err
	}
	_, err = w.Write(hash[:])
	return err
}

// GetNodeHashBytes is the allocating counterpart of ReadNodeHashBytes.
func (s *sqlStore) GetNodeHashBytes(id uint32, ptr TriePtr) (common.TrieHash, error) {
	r, err := s.OpenTrieBlob(id)
	if err != nil {
		return common.TrieHash{}, err
	}
	return ReadNodeHash(r, ptr)
}

// ReadNodeType decodes the full node at ptr inside block id's blob.
func (s *sqlStore) ReadNodeType(id uint32, ptr TriePtr) (*Node, common.TrieHash, error) {
	r, err := s.OpenTrieBlob(id)
	if err != nil {
		return nil, common.TrieHash{}, err
	}
	if _, err := r.Seek(int64(ptr.Ptr), io.SeekStart); err != nil {
		return nil, common.TrieHash{}, ioErrorf("seek to %d: %v", ptr.Ptr, err)
	}
	return DecodeNode(r)
}

// LockBHHForExtension attempts to take the single-writer lock for
// (bhh, unconfirmed). It returns false, not an error, if the lock is
// already held — the caller signals ExistsError.
func (s *sqlStore) LockBHHForExtension(bhh common.BlockId, unconfirmed bool) (bool, error) {
	var acquired bool
	err := s.withBusyRetry(func() error {
		tx, txErr := s.db.Begin()
		if txErr != nil {
			return txErr
		}
		defer tx.Rollback()
		ok, lockErr := s.txLockBHHForExtensionLocked(tx, bhh, unconfirmed)
		if lockErr != nil {
			return lockErr
		}
		acquired = ok
		return tx.Commit()
	})
	return acquired, err
}

// TxLockBHHForExtension is the same operation performed against a caller-
// supplied transaction, for callers that need the lock acquisition and a
// blob write to commit atomically.
func (s *sqlStore) TxLockBHHForExtension(tx *sql.Tx, bhh common.BlockId, unconfirmed bool) (bool, error) {
	return s.txLockBHHForExtensionLocked(tx, bhh, unconfirmed)
}

func (s *sqlStore) txLockBHHForExtensionLocked(tx *sql.Tx, bhh common.BlockId, unconfirmed bool) (bool, error) {
	var existing int
	row := tx.QueryRow(`SELECT unconfirmed FROM locks WHERE block_hash = ?`, bhh.Bytes())
	err := row.Scan(&existing)
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	if _, err := tx.Exec(`INSERT INTO locks(block_hash, unconfirmed) VALUES (?, ?)`, bhh.Bytes(), boolToInt(unconfirmed)); err != nil {
		return false, err
	}
	return true, nil
}

// DropLock releases the extension lock for bhh.
func (s *sqlStore) DropLock(bhh common.BlockId) error {
	return s.withBusyRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM locks WHERE block_hash = ?`, bhh.Bytes())
		return err
	})
}

// ClearLockData deletes every row in the lock table. Used by Store.Recover
// after a crash during extension.
func (s *sqlStore) ClearLockData() error {
	return s.withBusyRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM locks`)
		return err
	})
}

// DropUnconfirmedTrie deletes the unconfirmed blob and its lock for bhh.
func (s *sqlStore) DropUnconfirmedTrie(bhh common.BlockId) error {
	return s.withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM blocks WHERE block_hash = ? AND unconfirmed = 1`, bhh.Bytes()); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM locks WHERE block_hash = ? AND unconfirmed = 1`, bhh.Bytes()); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// CountBlocks returns the total number of confirmed blocks.
func (s *sqlStore) CountBlocks() (uint64, error) {
	var n uint64
	err := s.withBusyRetry(func() error {
		row := s.db.QueryRow(`SELECT COUNT(*) FROM blocks WHERE unconfirmed = 0 AND mined = 0`)
		return row.Scan(&n)
	})
	return n, err
}

// BlockHashRoot pairs a confirmed block's hash with its trie root hash.
type BlockHashRoot struct {
	BlockHash common.BlockId
	RootHash  common.TrieHash
}

// ReadAllBlockHashesAndRoots returns every confirmed block's hash and root
// hash; it backs Store.ReadRootToBlockTable.
func (s *sqlStore) ReadAllBlockHashesAndRoots() ([]BlockHashRoot, error) {
	var out []BlockHashRoot
	err := s.withBusyRetry(func() error {
		rows, queryErr := s.db.Query(`SELECT block_hash, root_hash FROM blocks WHERE unconfirmed = 0 AND mined = 0`)
		if queryErr != nil {
			return queryErr
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var bhhRaw, rootRaw []byte
			if scanErr := rows.Scan(&bhhRaw, &rootRaw); scanErr != nil {
				return scanErr
			}
			out = append(out, BlockHashRoot{
				BlockHash: common.BlockIdFromBytes(bhhRaw),
				RootHash:  common.TrieHashFromBytes(rootRaw),
			})
		}
		return rows.Err()
	})
	return out, err
}

// format clears every row from both tables, used by Store.Format.
func (s *sqlStore) format() error {
	return s.withBusyRetry(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback()
		if _, err := tx.Exec(`DELETE FROM blocks`); err != nil {
			return err
		}
		if _, err := tx.Exec(`DELETE FROM locks`); err != nil {
			return err
		}
		return tx.Commit()
	})
}
