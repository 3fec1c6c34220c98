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

//go:build unix

package trieindex

import "golang.org/x/sys/unix"

// fsyncDir best-effort fsyncs the directory containing a just-renamed or
// just-created file, addressing the open question that rename-based
// commits are not otherwise crash-consistent. It is best-effort: a failure
// here is logged, not fatal, since SQLite's own journal is the primary
// durability mechanism and this is belt-and-suspenders only.
func fsyncDir(dir string) error {
	fd, err := unix.Open(dir, unix.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return unix.Fsync(fd)
}
