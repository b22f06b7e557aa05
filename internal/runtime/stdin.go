package runtime

import (
	"io"
	"sync"
	"sync/atomic"
)

// Feeds a sandbox process from a spec's stdin.
//
// The shim keeps its end of the stdin FIFO open until told otherwise, so the
// process only sees EOF once the runtime closes IO explicitly. Done fires on
// the first EOF from the source to tell the runtime when to do so.
type stdinReader struct {
	src  io.Reader
	n    atomic.Int64  // Bytes forwarded so far.
	once sync.Once     // Guards closing done.
	done chan struct{} // Closed on the first EOF.
}

func newStdinReader(src io.Reader) *stdinReader {
	return &stdinReader{src: src, done: make(chan struct{})}
}

// Implements [io.Reader]. Errors other than EOF leave done open, so the
// process keeps its stdin until it exits or is killed.
func (r *stdinReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.n.Add(int64(n))
	if err == io.EOF {
		r.once.Do(func() { close(r.done) })
	}
	return n, err
}

// Returns a channel closed once the source is exhausted.
func (r *stdinReader) Done() <-chan struct{} {
	return r.done
}

// Returns the number of bytes forwarded.
func (r *stdinReader) Len() int64 {
	return r.n.Load()
}
