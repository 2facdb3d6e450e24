//go:build !linux && !windows

package auth

import (
	"bytes"
	"runtime"
	"strconv"
)

// currentThread returns the calling goroutine's id. Impersonation locks the
// goroutine to its OS thread, so the goroutine stands in for the thread.
func currentThread() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
