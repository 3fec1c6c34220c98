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
	"time"

	"github.com/c0ding/stacks-blockchain/internal/trielog"
)

// Config controls a Store's busy-retry budget, at-rest compression, cache
// sizing, and logging.
type Config struct {
	// BusyRetryBase is the initial backoff delay after a busy/locked error
	// from the backing store.
	BusyRetryBase time.Duration
	// BusyRetryFactor multiplies the backoff delay on each retry.
	BusyRetryFactor float64
	// BusyRetryMax is the number of attempts before surfacing ErrBusy.
	BusyRetryMax int
	// CacheBytes is the fastcache capacity, in bytes, for the block-hash
	// cache.
	CacheBytes int
	// Compress, when true, snappy-compresses blobs before writing them to
	// the backing store and decompresses them on read.
	Compress bool
	// Logger receives structured log records from every component. If
	// nil, DefaultConfig's trielog.Nop() logger is used.
	Logger *trielog.Logger
}

// DefaultConfig returns the configuration used by Open/OpenReadOnly/
// OpenUnconfirmed when the caller does not supply one.
func DefaultConfig() Config {
	return Config{
		BusyRetryBase:   2 * time.Millisecond,
		BusyRetryFactor: 2.0,
		BusyRetryMax:    8,
		CacheBytes:      8 << 20,
		Compress:        true,
		Logger:          trielog.Nop(),
	}
}

func (c Config) logger() *trielog.Logger {
	if c.Logger == nil {
		return trielog.Nop()
	}
	return c.Logger
}
