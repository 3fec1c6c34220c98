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

package trielog

import "testing"

func TestNopDoesNotPanic(t *testing.T) {
	l := Nop()
	l.Trace("trace", "k", 1)
	l.Debug("debug", "k", 1)
	l.Info("info", "k", 1)
	l.Warn("warn", "k", 1)
	l.Error("error", "k", 1)
}

func TestCritPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected Crit to panic")
		}
	}()
	Nop().Crit("fatal condition", "bhh", "0xdead")
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	l.Info("should not panic")
}
