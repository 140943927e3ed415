// Package goroutineid reads the current goroutine's runtime ID. It is used
// only to confirm that a caller is the execution worker; never for
// goroutine-local storage.
package goroutineid

import (
	"bytes"
	"runtime"
	"sync"
)

var stackBufPool = sync.Pool{
	New: func() any {
		b := make([]byte, 64)
		return &b
	},
}

var prefix = []byte("goroutine ")

// Get returns the current goroutine ID, or 0 if it cannot be parsed.
func Get() int64 {
	bp := stackBufPool.Get().(*[]byte)
	defer stackBufPool.Put(bp)
	n := runtime.Stack(*bp, false)
	return parse((*bp)[:n])
}

// parse extracts N from a stack header of the form "goroutine N [running]:".
func parse(stack []byte) int64 {
	if !bytes.HasPrefix(stack, prefix) {
		return 0
	}
	var id int64
	for _, b := range stack[len(prefix):] {
		if b < '0' || b > '9' {
			break
		}
		id = id*10 + int64(b-'0')
	}
	return id
}
