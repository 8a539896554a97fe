package buffer

import "sync"

// scratchSize is the scratch buffer size used for frame reads and TCP
// payloads. Messages larger than this get a one-off allocation.
const scratchSize = 8192

// Pool provides reusable byte buffers for network I/O.
var Pool = sync.Pool{
	New: func() interface{} {
		return make([]byte, scratchSize)
	},
}

// Get retrieves a scratch buffer from the pool.
func Get() []byte {
	return Pool.Get().([]byte)
}

// Put returns a buffer to the pool. Undersized buffers are dropped.
func Put(buf []byte) {
	if cap(buf) >= scratchSize {
		Pool.Put(buf[:cap(buf)])
	}
}

// Size returns the scratch buffer size.
func Size() int {
	return scratchSize
}
